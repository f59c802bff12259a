// Package notify pushes run outcomes to Slack so long coding runs don't need
// a browser tab babysitting them. A nil notifier is a no-op.
package notify

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"surveycoder/internal/domain"
)

type Slack struct {
	client    *slack.Client
	channelID string
}

func NewSlack(botToken, channelID string) *Slack {
	return &Slack{
		client:    slack.New(botToken),
		channelID: channelID,
	}
}

func (s *Slack) RunCompleted(sessionID string, summary domain.RunSummary) {
	if s == nil {
		return
	}
	msg := fmt.Sprintf(
		":white_check_mark: Coding run finished (session %s)\n• %d answers coded across %d columns\n• %d new labels created",
		sessionID, summary.TotalRecords, summary.ProcessedColumns, summary.NewLabels,
	)
	if summary.TotalReviewed > 0 {
		msg += fmt.Sprintf("\n• review: %d cells checked, %d corrected", summary.TotalReviewed, summary.CorrectionsMade)
	}
	s.post(msg)
}

func (s *Slack) RunFailed(sessionID, reason string) {
	if s == nil {
		return
	}
	s.post(fmt.Sprintf(":x: Coding run halted (session %s): %s", sessionID, reason))
}

func (s *Slack) post(msg string) {
	_, _, err := s.client.PostMessage(s.channelID, slack.MsgOptionText(msg, false))
	if err != nil {
		log.Printf("notify: slack post failed: %v", err)
	}
}
