// Package jobs defines the background jobs processed by the queue workers.
package jobs

import (
	"fmt"

	"github.com/meterdesk/meterdesk/pkg/mail"
	"github.com/meterdesk/meterdesk/pkg/queue"
)

// Register makes every job type known to the queue for deserialization.
// Call once at boot, before workers start.
func Register() {
	queue.Register("jobs.ResetPasswordEmail", func() queue.Job { return &ResetPasswordEmail{} })
}

// ResetPasswordEmail delivers the password-reset link to a user.
type ResetPasswordEmail struct {
	Email    string `json:"email"`
	ResetURL string `json:"resetUrl"`
}

func (j ResetPasswordEmail) Handle() error {
	body := fmt.Sprintf(
		"You are receiving this email because you (or someone else) requested a password reset.\n\n"+
			"Make a PUT request to:\n\n%s\n\nIf this wasn't you, ignore this email.",
		j.ResetURL,
	)
	return mail.To(j.Email).
		Subject("Password reset request").
		Text(body).
		Send()
}
