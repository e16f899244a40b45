package messaging

// Topics shared by every pool worker and the share archiver
const (
	TopicShares = "equipool.shares" // poolworker -> sharearchiver
	TopicBlocks = "equipool.blocks" // poolworker -> sharearchiver
	TopicBans   = "equipool.bans"   // poolworker -> every poolworker
)
