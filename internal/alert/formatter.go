package alert

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// FormatterClassPath is the static registry key for the
// AlertMessageFormatter worker.
const FormatterClassPath = "modules.notification.AlertMessageFormatter"

func init() {
	runtime.Register(FormatterClassPath, buildFormatter)
}

// templates holds the three body fragments notification.py's
// AlertMessageFormatter fills placeholders into and concatenates.
type templates struct {
	header string
	body   string
	footer string
}

// Formatter caches alert payloads per receiver and, on a timer (or
// immediately, if collection is disabled), renders them into one
// message per receiver using "{{var}}" placeholder substitution,
// matching AlertMessageFormatter.process_alert_messages. When msgType
// is "email" the rendered body is additionally converted from markdown
// to HTML via goldmark.
type Formatter struct {
	w            *worker.Worker
	deps         *runtime.Deps
	collect      bool
	collectEvery time.Duration
	receiver     string
	msgType      string
	templates    templates
	properties   map[string]string

	mu    sync.Mutex
	cache map[string][]map[string]any // receiver -> pending alert payloads
}

func buildFormatter(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	collect, _ := cfg["messageCollectionEnabled"].(bool)
	collectSeconds, _ := cfg["messageCollectionTime"].(float64)
	if collectSeconds <= 0 {
		collectSeconds = 10
	}
	receiver, _ := cfg["receiver"].(string)
	msgType, _ := cfg["type"].(string)

	tpl := templates{}
	if t, ok := cfg["templates"].(map[string]any); ok {
		tpl.header, _ = t["header"].(string)
		tpl.body, _ = t["body"].(string)
		tpl.footer, _ = t["footer"].(string)
	}

	properties := map[string]string{}
	if p, ok := cfg["properties"].(map[string]any); ok {
		for k, v := range p {
			if s, ok := v.(string); ok {
				properties[k] = s
			}
		}
	}

	w := worker.New(name, classPath, deps.Logger)
	f := &Formatter{
		w:            w,
		deps:         deps,
		collect:      collect,
		collectEvery: time.Duration(collectSeconds * float64(time.Second)),
		receiver:     receiver,
		msgType:      msgType,
		templates:    tpl,
		properties:   properties,
		cache:        map[string][]map[string]any{},
	}
	w.SetHandler("alert", f.handleAlert)
	if collect {
		w.SetRunner(f.run)
	}
	return w, nil
}

func (f *Formatter) handleAlert(_ map[string]any, payload map[string]any) {
	if f.collect {
		receiver, _ := payload["receiver"].(string)
		f.mu.Lock()
		f.cache[receiver] = append(f.cache[receiver], payload)
		f.mu.Unlock()
		return
	}

	receiver, _ := payload["receiver"].(string)
	f.processAlertMessages(receiver, []map[string]any{payload})
}

func (f *Formatter) run(ctx context.Context) {
	ticker := time.NewTicker(f.collectEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.drain()
		}
	}
}

func (f *Formatter) drain() {
	f.mu.Lock()
	cache := f.cache
	f.cache = map[string][]map[string]any{}
	f.mu.Unlock()

	for receiver, alerts := range cache {
		f.processAlertMessages(receiver, alerts)
	}
}

// processAlertMessages builds the final templated message for receiver
// from alerts, exactly mirroring process_alert_messages: "{{var}}"
// placeholders in properties, header, footer, and each alert line of
// the body are substituted with node/project/receiver values, plus each
// alert's own keys for the body.
func (f *Formatter) processAlertMessages(receiver string, alerts []map[string]any) {
	if receiver == "" {
		f.deps.Logger.Warn("no receiver defined for alert message")
		return
	}

	vars := map[string]string{
		"nid":      f.deps.Config.Node.ID,
		"node":     f.deps.Config.Node.Name,
		"pid":      f.deps.Config.Project.ID,
		"project":  f.deps.Config.Project.Name,
		"receiver": receiver,
	}

	properties := map[string]any{}
	for name, tpl := range f.properties {
		properties[name] = substitute(tpl, vars)
	}

	header := substitute(f.templates.header, vars)
	footer := substitute(f.templates.footer, vars)

	var body strings.Builder
	for _, alert := range alerts {
		line := f.templates.body
		for key, value := range alert {
			line = strings.ReplaceAll(line, "{{"+key+"}}", fmt.Sprint(value))
		}
		line = substitute(line, vars)
		body.WriteString(line)
	}

	message := header + body.String() + footer
	if f.msgType == "email" {
		if html, err := markdownToHTML(message); err == nil {
			message = html
		} else {
			f.deps.Logger.Warn("alert body markdown render failed, sending plain text", "error", err)
		}
	}

	properties["message"] = message

	f.deps.Logger.Debug("sending formatted alert message", "receiver", f.receiver)
	if err := f.w.Publish(f.receiver, map[string]any{"type": f.msgType}, properties, false); err != nil {
		f.deps.Logger.Warn("alert message publish failed", "error", err)
	}
}

func substitute(s string, vars map[string]string) string {
	for name, value := range vars {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
