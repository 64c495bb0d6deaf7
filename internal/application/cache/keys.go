package cache

import "time"

// Redis keys owned by the cache executors. Each key is written by exactly one channel.
const (
	KeyGlobalStats       = "stats:global"
	KeyMastodonInstances = "mastodon:instances"
	KeyPublicLabels      = "graph:labels:public"
	KeyNodesVersion      = "graph:nodes:version"
	KeyNodeTypeVersion   = "graph:node-type-version"
	KeyNodeTypeChanges   = "graph:node-type-changes"
)

const (
	GlobalStatsTTL     = 24 * time.Hour
	UserStatsTTL       = 10 * time.Minute
	NodeTypeChangesTTL = time.Hour

	// MaxNodeTypeChanges bounds the change log list.
	MaxNodeTypeChanges = 1000
)

func UserStatsKey(userID string) string {
	return "user:stats:" + userID
}

func BlueskyKey(twitterID string) string {
	return "twitter_to_bluesky:" + twitterID
}

func MastodonKey(twitterID string) string {
	return "twitter_to_mastodon:" + twitterID
}
