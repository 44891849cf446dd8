package queue

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/bulkwave/bulkwave-backend/internal/dispatch"
)

const DispatchQueue = "campaign_dispatch"

// ProgressExchange fans progress deltas out from workers to every API
// process, which relays them onto its local bus for SSE subscribers.
const ProgressExchange = "campaign_progress"

const maxDeliveries = 3

// DispatchJob asks a worker to execute (or resume) one workflow run.
type DispatchJob struct {
	CampaignID int    `json:"campaign_id"`
	RunID      string `json:"run_id"`
}

type Publisher interface {
	PublishDispatch(job DispatchJob) error
}

type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func Dial(url string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		DispatchQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		ProgressExchange,
		"fanout",
		false, // durable: progress is ephemeral
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPQueue{conn: conn, ch: ch}, nil
}

func (q *AMQPQueue) Close() {
	q.ch.Close()
	q.conn.Close()
}

func (q *AMQPQueue) PublishDispatch(job DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		DispatchQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// PublishProgress broadcasts one coalesced progress delta. Fire-and-forget;
// a lost delta only delays the next SSE update.
func (q *AMQPQueue) PublishProgress(d dispatch.ProgressDelta) error {
	return q.ch.Publish(
		ProgressExchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        d.JSON(),
		},
	)
}

// ConsumeProgress binds a private queue to the progress fanout and blocks,
// handing each delta to handler. Auto-ack: progress has no replay value.
func (q *AMQPQueue) ConsumeProgress(handler func(dispatch.ProgressDelta)) error {
	pq, err := q.ch.QueueDeclare(
		"",    // broker-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}
	if err := q.ch.QueueBind(pq.Name, "", ProgressExchange, false, nil); err != nil {
		return err
	}
	msgs, err := q.ch.Consume(pq.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	for d := range msgs {
		var delta dispatch.ProgressDelta
		if err := json.Unmarshal(d.Body, &delta); err != nil {
			log.Warn().Err(err).Msg("invalid progress delta, dropping")
			continue
		}
		handler(delta)
	}
	return nil
}

// ConsumeDispatch blocks, handing each job to handler. A failed job is
// republished with an incremented retry header up to maxDeliveries; resuming
// is safe because the workflow checkpoint makes re-execution idempotent.
func (q *AMQPQueue) ConsumeDispatch(handler func(DispatchJob) error) error {
	msgs, err := q.ch.Consume(
		DispatchQueue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	for d := range msgs {
		var job DispatchJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			log.Warn().Err(err).Msg("invalid dispatch job, dropping")
			d.Ack(false)
			continue
		}

		if err := handler(job); err != nil {
			retries := retryCount(d.Headers)
			log.Warn().Err(err).
				Int("campaign_id", job.CampaignID).
				Str("run_id", job.RunID).
				Int("retries", retries).
				Msg("dispatch job failed")

			if retries+1 < maxDeliveries {
				if pubErr := q.republish(d.Body, retries+1); pubErr != nil {
					log.Error().Err(pubErr).Msg("failed to republish dispatch job")
					d.Nack(false, true)
					continue
				}
			} else {
				log.Error().
					Int("campaign_id", job.CampaignID).
					Str("run_id", job.RunID).
					Msg("dispatch job permanently failed")
			}
		}
		d.Ack(false)
	}
	return nil
}

func (q *AMQPQueue) republish(body []byte, retries int) error {
	return q.ch.Publish(
		"",
		DispatchQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{"x-retry-count": int32(retries)},
			Body:         body,
		},
	)
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

var (
	_ Publisher             = (*AMQPQueue)(nil)
	_ dispatch.ProgressSink = (*AMQPQueue)(nil)
)
