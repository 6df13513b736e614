package hushbox

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/hushbox/mailbox"
)

// Options contains configuration for creating a Session.
type Options struct {
	// DataDir is where the salt file and both store files live.
	DataDir string `toml:"data_dir"`
	// DisplayName is the name embedded in our contact card.
	DisplayName string `toml:"display_name"`
	// SlotCount is the fixed slot count for our provisioned mailbox.
	SlotCount int `toml:"slot_count"`
	// MailboxTimeout bounds every mailbox network operation.
	MailboxTimeout time.Duration `toml:"mailbox_timeout"`
}

// NewOptions returns options with default values.
func NewOptions() *Options {
	return &Options{
		DataDir:        "hushbox-data",
		DisplayName:    "anonymous",
		SlotCount:      mailbox.DefaultSlotCount,
		MailboxTimeout: mailbox.DefaultTimeout,
	}
}

// LoadOptions reads options from a TOML file, filling unset fields with
// defaults.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()
	if _, err := toml.DecodeFile(path, opts); err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	if opts.SlotCount <= 0 {
		opts.SlotCount = mailbox.DefaultSlotCount
	}
	if opts.MailboxTimeout <= 0 {
		opts.MailboxTimeout = mailbox.DefaultTimeout
	}
	return opts, nil
}
