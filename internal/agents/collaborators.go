// Package agents holds the seams to external collaborators. The core never
// talks to a SaaS API directly; it consumes results through these
// interfaces and real connectors live outside the module.
package agents

import "context"

// ToolInvoker executes one method on an external tool and returns its
// result map. The core only records success or failure plus the payload.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool, method string, args map[string]interface{}) (map[string]interface{}, error)
}

// KBPublisher publishes a knowledge-base article. The returned record
// carries "__op__" set to "create" or "update".
type KBPublisher interface {
	Publish(ctx context.Context, title, html string, tags []string, audience string, meta map[string]interface{}) (map[string]interface{}, error)
}

// NoopInvoker acknowledges every invocation without side effects. Used when
// no connector is wired, so runs stay executable offline.
type NoopInvoker struct{}

func (NoopInvoker) Invoke(_ context.Context, tool, method string, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"tool":   tool,
		"method": method,
		"args":   args,
		"status": "acknowledged",
	}, nil
}

// StubPublisher records the article locally and reports a create.
type StubPublisher struct{}

func (StubPublisher) Publish(_ context.Context, title, html string, tags []string, audience string, meta map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"__op__":   "create",
		"title":    title,
		"html":     html,
		"tags":     tags,
		"audience": audience,
		"meta":     meta,
	}, nil
}
