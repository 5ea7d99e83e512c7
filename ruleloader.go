package dispatch

import (
	"bufio"
	"os"

	"github.com/sirupsen/logrus"
)

// RuleLoader returns a list of rules, for example networks to be blackholed.
type RuleLoader interface {
	Load() ([]string, error)
}

// StaticLoader holds a fixed ruleset in memory, typically from configuration.
type StaticLoader struct {
	rules []string
}

var _ RuleLoader = &StaticLoader{}

func NewStaticLoader(rules []string) *StaticLoader {
	return &StaticLoader{rules}
}

func (l *StaticLoader) Load() ([]string, error) {
	return l.rules, nil
}

// FileLoader reads rules from a local file, one per line.
type FileLoader struct {
	filename    string
	opt         FileLoaderOptions
	lastSuccess []string
}

// FileLoaderOptions holds options for file loaders.
type FileLoaderOptions struct {
	// Don't fail when trying to load the list
	AllowFailure bool
}

var _ RuleLoader = &FileLoader{}

func NewFileLoader(filename string, opt FileLoaderOptions) *FileLoader {
	return &FileLoader{filename: filename, opt: opt}
}

func (l *FileLoader) Load() (rules []string, err error) {
	log := Log.WithField("file", l.filename)
	log.Debug("loading rules")

	// If AllowFailure is enabled, return the last successfully loaded list
	// and nil
	defer func() {
		if err != nil && l.opt.AllowFailure {
			log.WithError(err).Warn("failed to load rules, continuing with previous ruleset")
			rules = l.lastSuccess
			err = nil
		} else {
			l.lastSuccess = rules
		}
	}()

	f, err := os.Open(l.filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rules = append(rules, scanner.Text())
	}
	log.WithFields(logrus.Fields{"rules": len(rules)}).Debug("completed loading rules")
	return rules, scanner.Err()
}
