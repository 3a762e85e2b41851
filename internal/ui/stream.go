package ui

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/gjson"
)

// StreamFormatter turns a task command's output into prefixed terminal
// lines. JSON lines are inspected: {"progress": N} reports progress,
// {"message": "..."} is printed, and Claude stream-json events are rendered
// compactly. Anything else is echoed as-is. It implements io.Writer.
type StreamFormatter struct {
	prefix     string
	dest       io.Writer
	mu         *sync.Mutex
	buf        []byte
	onProgress func(int)
}

// NewStreamFormatter creates a StreamFormatter that prefixes output with
// [taskID]. dest may be nil to only track progress.
func NewStreamFormatter(taskID string, dest io.Writer, mu *sync.Mutex) *StreamFormatter {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &StreamFormatter{
		prefix: TaskPrefix(taskID) + " ",
		dest:   dest,
		mu:     mu,
	}
}

// OnProgress registers fn for progress lines. Values outside 0..100 are dropped.
func (sf *StreamFormatter) OnProgress(fn func(int)) *StreamFormatter {
	sf.onProgress = fn
	return sf
}

func (sf *StreamFormatter) Write(p []byte) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.buf = append(sf.buf, p...)
	for {
		idx := bytes.IndexByte(sf.buf, '\n')
		if idx == -1 {
			break
		}
		line := string(sf.buf[:idx])
		sf.buf = sf.buf[idx+1:]
		sf.processLine(line)
	}
	return len(p), nil
}

// Flush processes a trailing line with no newline.
func (sf *StreamFormatter) Flush() {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if len(sf.buf) > 0 {
		sf.processLine(string(sf.buf))
		sf.buf = nil
	}
}

func (sf *StreamFormatter) processLine(line string) {
	if line == "" {
		return
	}
	if !gjson.Valid(line) {
		sf.writeLine(line)
		return
	}

	if p := gjson.Get(line, "progress"); p.Exists() && p.Type == gjson.Number {
		v := int(p.Int())
		if v >= 0 && v <= 100 && sf.onProgress != nil {
			sf.onProgress(v)
		}
		if msg := gjson.Get(line, "message").String(); msg != "" {
			sf.writeLine(fmt.Sprintf("%s %s", Dim(fmt.Sprintf("%3d%%", v)), msg))
		}
		return
	}

	switch gjson.Get(line, "type").String() {
	case "assistant":
		sf.processAssistant(line)
	case "result":
		if res := gjson.Get(line, "result").String(); res != "" {
			sf.writeLine("🏁 " + res)
		}
	case "user", "system":
		// tool results and init noise
	default:
		if msg := gjson.Get(line, "message").String(); msg != "" {
			sf.writeLine(msg)
		} else {
			sf.writeLine(line)
		}
	}
}

func (sf *StreamFormatter) processAssistant(line string) {
	content := gjson.Get(line, "message.content")
	if !content.Exists() {
		return
	}

	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			if text := item.Get("text").String(); text != "" {
				sf.writeLine("💬 " + text)
			}
		case "tool_use":
			sf.processToolUse(item)
		}
		return true
	})
}

func (sf *StreamFormatter) processToolUse(item gjson.Result) {
	name := item.Get("name").String()
	input := item.Get("input")

	var display string
	switch name {
	case "Bash":
		desc := input.Get("description").String()
		if desc != "" {
			display = "🔧 $ " + desc
		} else {
			cmd := input.Get("command").String()
			if len(cmd) > 80 {
				cmd = cmd[:80] + "..."
			}
			display = "🔧 $ " + cmd
		}
	case "Read":
		display = "📖 Reading " + input.Get("file_path").String()
	case "Write", "Edit":
		display = "✏️  " + name + " " + input.Get("file_path").String()
	case "Glob", "Grep":
		display = "🔍 " + name + " " + input.Get("pattern").String()
	default:
		display = "🔧 " + name
	}

	sf.writeLine(Dim(display))
}

func (sf *StreamFormatter) writeLine(text string) {
	if sf.dest == nil {
		return
	}
	fmt.Fprintf(sf.dest, "  %s%s\n", sf.prefix, text)
}
