package notify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Directory looks up the recipients subscribed at any of levels. Only active
// recipients with at least one channel enabled are returned.
type Directory interface {
	Recipients(ctx context.Context, levels []storage.Severity) ([]storage.Recipient, error)
}

// fileRecipient is the on-disk shape of a recipient. Unset flags take
// defaults: active, email enabled when an address is given, SMS disabled.
type fileRecipient struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	Email        string           `yaml:"email"`
	Phone        string           `yaml:"phone"`
	Active       *bool            `yaml:"active"`
	EmailEnabled *bool            `yaml:"email_enabled"`
	SMSEnabled   *bool            `yaml:"sms_enabled"`
	AlertLevel   storage.Severity `yaml:"alert_level"`
}

type recipientsFile struct {
	Recipients []fileRecipient `yaml:"recipients"`
}

// FileDirectory serves recipients from a YAML file loaded once at start-up.
//
//	recipients:
//	  - name: Field office
//	    email: ops@example.org
//	    phone: "+15550100"
//	    sms_enabled: true
//	    alert_level: high
type FileDirectory struct {
	recipients []storage.Recipient
}

// LoadFileDirectory reads and validates a recipients file. Recipients
// without an id get a random one.
func LoadFileDirectory(path string) (*FileDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notify: read recipients %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f recipientsFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("notify: parse recipients %s: %w", path, err)
	}

	out := make([]storage.Recipient, 0, len(f.Recipients))
	for i, fr := range f.Recipients {
		r := storage.Recipient{
			ID:           fr.ID,
			Name:         fr.Name,
			Email:        fr.Email,
			Phone:        fr.Phone,
			Active:       boolOr(fr.Active, true),
			EmailEnabled: boolOr(fr.EmailEnabled, fr.Email != ""),
			SMSEnabled:   boolOr(fr.SMSEnabled, false),
			AlertLevel:   fr.AlertLevel,
		}
		if r.AlertLevel == "" {
			r.AlertLevel = storage.SeverityMedium
		}
		if !r.AlertLevel.Valid() {
			return nil, fmt.Errorf("notify: recipients %s entry %d: unknown alert_level %q", path, i, r.AlertLevel)
		}
		if r.Email == "" && r.Phone == "" {
			return nil, fmt.Errorf("notify: recipients %s entry %d: needs an email or a phone", path, i)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return &FileDirectory{recipients: out}, nil
}

// Recipients implements Directory.
func (d *FileDirectory) Recipients(_ context.Context, levels []storage.Severity) ([]storage.Recipient, error) {
	var out []storage.Recipient
	for _, r := range d.recipients {
		if !r.Active || !(r.EmailEnabled || r.SMSEnabled) {
			continue
		}
		if slices.Contains(levels, r.AlertLevel) {
			out = append(out, r)
		}
	}
	return out, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
