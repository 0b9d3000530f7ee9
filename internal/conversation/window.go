package conversation

import "bot-backend/internal/models"

// TrailingWindow walks msgs from newest to oldest and keeps messages while the
// running total stays within budget. The result is in chronological order.
// complete reports whether every message fit.
func TrailingWindow(msgs []models.Message, budget int, count func(models.Message) int) (window []models.Message, tokens int, complete bool) {
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := count(msgs[i])
		if tokens+n > budget {
			break
		}
		tokens += n
		start = i
	}
	window = make([]models.Message, len(msgs)-start)
	copy(window, msgs[start:])
	return window, tokens, start == 0
}
