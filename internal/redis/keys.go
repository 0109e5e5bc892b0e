package redis

import "strings"

// Keys builds every key the engine writes. All of them live under one prefix
// so a full reset can prove the namespace is empty.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "taskqueue"
	}
	return Keys{prefix: prefix}
}

type QueueKeys struct {
	Base          string
	Meta          string
	Stats         string
	Pending       string
	Processing    string
	Completed     string
	Failed        string
	Tasks         string
	Payloads      string
	Results       string
	HistoryPrefix string
}

// Queue returns the keys of one queue. The name is a hash tag, so every key of a queue, the per-task
// history keys the scripts derive from HistoryPrefix included, maps to the same cluster slot.
func (k Keys) Queue(name string) QueueKeys {
	base := k.prefix + ":queue:{" + name + "}"
	return QueueKeys{
		Base:          base,
		Meta:          base + ":meta",
		Stats:         base + ":stats",
		Pending:       base + ":pending",
		Processing:    base + ":processing",
		Completed:     base + ":completed",
		Failed:        base + ":failed",
		Tasks:         base + ":tasks",
		Payloads:      base + ":payloads",
		Results:       base + ":results",
		HistoryPrefix: base + ":history:",
	}
}

// Fixed returns the keys that exist independently of task ids
func (q QueueKeys) Fixed() []string {
	return []string{q.Meta, q.Stats, q.Pending, q.Processing, q.Completed, q.Failed, q.Tasks, q.Payloads, q.Results}
}

func (q QueueKeys) History(taskID string) string {
	return q.HistoryPrefix + taskID
}

func (q QueueKeys) Pattern() string {
	return q.Base + ":*"
}

func (k Keys) QueueMetaPattern() string {
	return k.prefix + ":queue:*:meta"
}

// QueueNameFromMeta extracts the queue name from a meta key, ok is false for foreign keys
func (k Keys) QueueNameFromMeta(key string) (string, bool) {
	head := k.prefix + ":queue:"
	if !strings.HasPrefix(key, head) || !strings.HasSuffix(key, ":meta") {
		return "", false
	}
	tagged := strings.TrimSuffix(strings.TrimPrefix(key, head), ":meta")
	if !strings.HasPrefix(tagged, "{") || !strings.HasSuffix(tagged, "}") {
		return "", false
	}
	name := tagged[1 : len(tagged)-1]
	if name == "" || strings.ContainsAny(name, ":{}") {
		return "", false
	}
	return name, true
}

func (k Keys) Workers() string {
	return k.prefix + ":workers"
}

func (k Keys) Namespace() string {
	return k.prefix + ":*"
}

// Lock keys sit outside the namespace so holding one never shows up as residue
func (k Keys) Lock(name string) string {
	return "lock:" + k.prefix + ":" + name
}
