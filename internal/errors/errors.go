// internal/errors/errors.go
package appErrors

import "fmt"

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
    CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
    return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
    return &ErrCampaignNotFound{CampaignID: id}
}

// ErrTemplateNotFound signals a dispatch against a template that was never
// synced into the contract store.
type ErrTemplateNotFound struct {
    Name     string
    Language string
}

func (e *ErrTemplateNotFound) Error() string {
    return fmt.Sprintf("template %q (%s) not found", e.Name, e.Language)
}

func NewTemplateNotFound(name, language string) error {
    return &ErrTemplateNotFound{Name: name, Language: language}
}

// ErrMissingRecipientIdentity is a structural failure: a recipient row with
// no provider identity means the campaign build step violated its contract.
// The whole run aborts rather than skipping the row.
type ErrMissingRecipientIdentity struct {
    CampaignID  int
    RecipientID int
}

func (e *ErrMissingRecipientIdentity) Error() string {
    return fmt.Sprintf("recipient %d in campaign %d has no external identity", e.RecipientID, e.CampaignID)
}

func NewMissingRecipientIdentity(campaignID, recipientID int) error {
    return &ErrMissingRecipientIdentity{CampaignID: campaignID, RecipientID: recipientID}
}

// ErrRunConflict is returned when a dispatch is requested for a campaign
// that already has a running workflow.
type ErrRunConflict struct {
    CampaignID int
    RunID      string
}

func (e *ErrRunConflict) Error() string {
    return fmt.Sprintf("campaign %d already has running workflow %s", e.CampaignID, e.RunID)
}

func NewRunConflict(campaignID int, runID string) error {
    return &ErrRunConflict{CampaignID: campaignID, RunID: runID}
}
