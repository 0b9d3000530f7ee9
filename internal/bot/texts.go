package bot

const (
	textWelcome         = "Hi! Just write to me and I'll answer."
	textSlowDown        = "You're sending messages too fast. Please slow down."
	textTryAgain        = "I couldn't take your message right now. Please try again in a minute."
	textNewConversation = "Okay, let's start over."
	textUnknownCommand  = "I don't know this command."
)
