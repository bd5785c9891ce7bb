package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ansiColorRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	dateRegex      = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}T`)
)

type matcher struct {
	regex   *regexp.Regexp
	channel chan ([]string)
	mask    bool
}

// NewMatchingLogger returns a MatchingLogger.
func NewMatchingLogger(logger *zap.SugaredLogger, isError bool) *MatchingLogger {
	return &MatchingLogger{logger: logger, defaultError: isError}
}

// MatchingLogger is an io.Writer for subprocess output. It logs through zap and also sends regex matched
// output to channels.
type MatchingLogger struct {
	mu           sync.RWMutex
	logger       *zap.SugaredLogger
	matchers     map[string]matcher
	defaultError bool
}

// AddMatcher adds a named regex to filter from results and return to a channel, optionally masking it from normal logging.
func (l *MatchingLogger) AddMatcher(name string, regex *regexp.Regexp, mask bool) (<-chan []string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.matchers == nil {
		l.matchers = make(map[string]matcher)
	}
	_, ok := l.matchers[name]
	if ok {
		return nil, errors.Errorf("matcher already exists: %s", name)
	}
	c := make(chan []string, 32)
	l.matchers[name] = matcher{regex: regex, channel: c, mask: mask}
	return c, nil
}

// DeleteMatcher removes a previously added matcher.
func (l *MatchingLogger) DeleteMatcher(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.matchers[name]
	if ok {
		close(m.channel)
		delete(l.matchers, name)
	}
}

// Write takes input and filters it against each defined matcher, before logging it.
func (l *MatchingLogger) Write(p []byte) (int, error) {
	var mask bool
	clean := stripAnsiColorCodes(p)

	l.mu.RLock()
	for _, m := range l.matchers {
		matches := m.regex.FindStringSubmatch(string(clean))
		if matches != nil {
			// a subprocess must never block on its own output, so matches nobody reads are dropped
			select {
			case m.channel <- matches:
			default:
			}
			if m.mask {
				mask = true
			}
		}
	}
	l.mu.RUnlock()

	if mask {
		return len(p), nil
	}

	// already-timestamped logging goes straight to stdout
	if dateRegex.Match(clean) {
		if _, err := os.Stdout.Write(clean); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	lines := strings.ReplaceAll(strings.TrimSpace(string(clean)), "\n", "\n\t")
	if lines == "" {
		return len(p), nil
	}
	if l.defaultError {
		l.logger.Error(fmt.Sprintf("unstructured error output:\n\t%s", lines))
	} else {
		l.logger.Info(fmt.Sprintf("unstructured output:\n\t%s", lines))
	}
	return len(p), nil
}

func stripAnsiColorCodes(p []byte) []byte {
	return ansiColorRegex.ReplaceAll(p, nil)
}
