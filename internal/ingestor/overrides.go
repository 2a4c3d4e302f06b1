package ingestor

// allowedOverrideKeys restricts caller-scoped ingestorOverrides to the
// fields that are actually shaped for each ingestor type, per spec C11:
// "only fields whose shape is compatible with the template type are
// applied". Anything outside this whitelist is dropped rather than merged.
var allowedOverrideKeys = map[string]map[string]bool{
	"discord": {
		"intents":    true,
		"eventFilter": true,
		"guildIds":   true,
		"channelIds": true,
		"userIds":    true,
	},
	"poll": {
		"intervalMs":    true,
		"responsePath":  true,
		"deduplicateBy": true,
		"eventType":     true,
	},
	"github": {},
	"stripe": {
		"toleranceSeconds": true,
	},
	"trello": {},
}

// MergeOverrides deep-copies template and applies every key in overrides
// that is whitelisted for ingestorType, without mutating template.
func MergeOverrides(ingestorType string, template map[string]string, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(template)+len(overrides))
	for k, v := range template {
		merged[k] = v
	}

	allowed := allowedOverrideKeys[ingestorType]
	for k, v := range overrides {
		if allowed[k] {
			merged[k] = v
		}
	}
	return merged
}
