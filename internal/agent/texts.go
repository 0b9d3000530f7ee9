package agent

const (
	textPending      = "I'm still answering your previous message. Please wait a moment."
	textWriting      = "Writing..."
	textNoReplies    = "You have used all replies of your plan. Contact support to get more."
	textPlanRequired = "Your plan does not include chatting with the assistant. Contact support to upgrade."
	textReplyFailed  = "Something went wrong while answering. Your reply was not charged, please try again."
	textInactive     = "The conversation was closed after an hour of silence. Send a message to start a new one."
	textSupport      = "Support"

	// DefaultSystemPrompt is used when no prompt is configured.
	DefaultSystemPrompt = `You are a warm, attentive and sincere friend.
- Talk informally.
- Do not use long dashes.
- Add emoji where it fits.
- Answer in short paragraphs separated by line breaks.`
)
