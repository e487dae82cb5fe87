package alerting

import (
	"sort"

	"sale-discount-alerts/internal/config"
)

// RuleKey indexes one recipient's filter rules.
type RuleKey struct {
	EventType string
	Catalog   string
}

// Rule narrows which events a recipient receives for one (event type,
// catalog) pair. A nil set admits everything; an empty set admits nothing.
type Rule struct {
	Sizes  map[string]struct{}
	Colors map[string]struct{}
}

// AllowsSize reports whether the rule admits the given size label.
func (r Rule) AllowsSize(label string) bool {
	if r.Sizes == nil {
		return true
	}
	_, ok := r.Sizes[label]
	return ok
}

// AllowsColor reports whether the rule admits the given color label.
func (r Rule) AllowsColor(label string) bool {
	if r.Colors == nil {
		return true
	}
	_, ok := r.Colors[label]
	return ok
}

// Recipient is one configured user. Absence of a rule for an event's
// (event type, catalog) pair means the user is not subscribed to it.
type Recipient struct {
	UserID string
	ChatID string
	Rules  map[RuleKey]Rule
}

// BuildRecipients converts static user configuration into typed
// recipients, ordered by user id. Users without a chat id carry no
// delivery address and are dropped.
func BuildRecipients(users map[string]config.UserConfig) []Recipient {
	recipients := make([]Recipient, 0, len(users))
	for userID, cfg := range users {
		if cfg.ChatID == "" {
			continue
		}

		rules := make(map[RuleKey]Rule)
		for eventType, catalogs := range cfg.Events {
			for catalog, rc := range catalogs {
				rules[RuleKey{EventType: eventType, Catalog: catalog}] = Rule{
					Sizes:  toSet(rc.Sizes),
					Colors: toSet(rc.Colors),
				}
			}
		}

		recipients = append(recipients, Recipient{
			UserID: userID,
			ChatID: cfg.ChatID,
			Rules:  rules,
		})
	}

	sort.Slice(recipients, func(i, j int) bool {
		return recipients[i].UserID < recipients[j].UserID
	})
	return recipients
}

func toSet(values []string) map[string]struct{} {
	if values == nil {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
