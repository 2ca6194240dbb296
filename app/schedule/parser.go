// Package schedule submits generation workflows on cron schedules defined
// in a yaml file and registers the resulting jobs in the registry.
package schedule

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"

	"github.com/legal-hkr/comfychair/app/conditions"
)

// Entry is one scheduled submission
type Entry struct {
	Spec       string            `yaml:"spec" json:"spec" jsonschema:"required,description=cron expression in the standard 5-field form"`
	Workflow   string            `yaml:"workflow" json:"workflow" jsonschema:"required,description=path to the workflow json file"`
	Owner      string            `yaml:"owner,omitempty" json:"owner,omitempty" jsonschema:"description=owner tag for event routing"`
	Kind       string            `yaml:"kind,omitempty" json:"kind,omitempty" jsonschema:"enum=image,enum=video"`
	Conditions conditions.Config `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Config is the top-level shape of the schedule yaml file
type Config struct {
	Jobs []Entry `yaml:"jobs" json:"jobs" jsonschema:"required"`
}

// Parser reads the schedule file and watches it for updates
type Parser struct {
	file        string
	updInterval time.Duration
}

// NewParser makes a parser for the file, not parsing yet
func NewParser(file string, updInterval time.Duration) *Parser {
	log.Printf("[INFO] schedule file %s, update every %v", file, updInterval)
	return &Parser{file: file, updInterval: updInterval}
}

// List parses the schedule file and returns valid entries
func (p *Parser) List() ([]Entry, error) {
	data, err := os.ReadFile(p.file)
	if err != nil {
		return nil, fmt.Errorf("can't read schedule file %s: %w", p.file, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse schedule file %s: %w", p.file, err)
	}

	res := make([]Entry, 0, len(cfg.Jobs))
	for i, e := range cfg.Jobs {
		if e.Spec == "" || e.Workflow == "" {
			log.Printf("[WARN] schedule entry %d ignored, spec and workflow are required", i)
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

func (p *Parser) String() string { return p.file }

// Changes returns a channel getting the full entry list on every file
// update. Modification is checked periodically and a fresh change is
// postponed for half the interval to skip intermediate saves.
func (p *Parser) Changes(ctx context.Context) (<-chan []Entry, error) {
	mtime := func() (time.Time, error) {
		st, err := os.Stat(p.file)
		if err != nil {
			return time.Time{}, fmt.Errorf("can't stat schedule file %s: %w", p.file, err)
		}
		return st.ModTime(), nil
	}

	lastMtime, err := mtime()
	if err != nil {
		return nil, err // file has to exist to start the watcher
	}

	ch := make(chan []Entry)
	ticker := time.NewTicker(p.updInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(ch)
				return
			case <-ticker.C:
				m, err := mtime()
				if err != nil {
					log.Printf("[WARN] can't check schedule file %s, %v", p.file, err)
					continue
				}
				if m.Equal(lastMtime) || time.Since(m) < p.updInterval/2 {
					continue
				}
				lastMtime = m
				entries, err := p.List()
				if err != nil {
					log.Printf("[WARN] can't reload schedule from %s, %v", p.file, err)
					continue
				}
				ch <- entries
			}
		}
	}()
	return ch, nil
}
