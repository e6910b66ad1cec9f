package duty

import (
	"fmt"
	"strings"

	"dutybot/internal/domain"
)

// Fixed reply posted for every accepted take or stop command.
const confirmationText = "Принято, спасибо! Хорошего дежурства 👍"

func mention(handle string) string { return "@" + handle }

func mentionsOf(contacts []domain.Contact) string {
	parts := make([]string, 0, len(contacts))
	for _, c := range contacts {
		parts = append(parts, mention(c.Handle))
	}
	return strings.Join(parts, " ")
}

// initialMessage is the first post of a session. Singular for one duty
// contact, plural otherwise; always asks for the take keyword in-thread.
func (b *Bot) initialMessage(contacts []domain.Contact) string {
	take := b.cfg.Commands.Take
	if len(contacts) == 1 {
		return fmt.Sprintf(
			"%s Доброе утро. Ты сегодня дежурный, напиши %s в чат, чтобы я понял, что ты увидел это сообщение",
			mention(contacts[0].Handle), take,
		)
	}
	return fmt.Sprintf(
		"%s Доброе утро. Вы сегодня дежурите, пусть каждый напишет %s в чат, чтобы я понял, что вы увидели это сообщение",
		mentionsOf(contacts), take,
	)
}

// reminderMessage nudges only the contacts that have not acknowledged yet.
func (b *Bot) reminderMessage(pending []domain.Contact) string {
	take := b.cfg.Commands.Take
	if len(pending) == 1 {
		return fmt.Sprintf(
			"%s напомню, что сегодня твоя дежурная смена. Напиши %s в ответном треде",
			mention(pending[0].Handle), take,
		)
	}
	return fmt.Sprintf(
		"%s напомню, что сегодня ваша дежурная смена. Напишите %s в ответном треде",
		mentionsOf(pending), take,
	)
}
