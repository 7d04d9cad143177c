package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phantomlabs/phantom/internal/domain"
)

// TaskFile is the operator-facing YAML document that seeds the daemon
// with proxies, profiles and tasks at startup.
type TaskFile struct {
	Proxies  []ProxyGroupDef `yaml:"proxies"`
	Profiles []ProfileDef    `yaml:"profiles"`
	Tasks    []TaskDef       `yaml:"tasks"`
	Monitors []MonitorDef    `yaml:"monitors"`
	AutoTask *AutoTaskDef    `yaml:"auto_task"`
}

// ProxyGroupDef is one named proxy list in host:port[:user:pass] form.
type ProxyGroupDef struct {
	Group string   `yaml:"group"`
	List  []string `yaml:"list"`
}

// ProfileDef mirrors domain.Profile with yaml field names.
type ProfileDef struct {
	Name                  string     `yaml:"name"`
	Email                 string     `yaml:"email"`
	Phone                 string     `yaml:"phone"`
	Shipping              AddressDef `yaml:"shipping"`
	Billing               AddressDef `yaml:"billing"`
	BillingSameAsShipping bool       `yaml:"billing_same_as_shipping"`
	Card                  CardDef    `yaml:"card"`
}

// AddressDef mirrors domain.Address.
type AddressDef struct {
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Address1  string `yaml:"address1"`
	Address2  string `yaml:"address2"`
	City      string `yaml:"city"`
	State     string `yaml:"state"`
	Zip       string `yaml:"zip"`
	Country   string `yaml:"country"`
}

// CardDef mirrors domain.Card.
type CardDef struct {
	Holder   string `yaml:"holder"`
	Number   string `yaml:"number"`
	ExpMonth string `yaml:"exp_month"`
	ExpYear  string `yaml:"exp_year"`
	CVV      string `yaml:"cvv"`
}

// Duration accepts "500ms" / "2s" style values in yaml documents.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MonitorDef is one polling loop in the task file. Type selects the
// source: "shopify" polls the store's products.json, "footsites"
// searches the brand API for query.
type MonitorDef struct {
	Type       string   `yaml:"type"`
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`      // shopify storefront base
	APIBase    string   `yaml:"api_base"` // footsites API root
	Query      string   `yaml:"query"`
	Keywords   string   `yaml:"keywords"`
	Delay      Duration `yaml:"delay"`
	ErrorDelay Duration `yaml:"error_delay"`
	WebhookURL string   `yaml:"webhook_url"`
	ProxyGroup string   `yaml:"proxy_group"`
	Disabled   bool     `yaml:"disabled"`
}

// AutoTaskDef gates automatic task creation from monitor events.
// Profile references a profile by name in the same file.
type AutoTaskDef struct {
	Enabled       bool     `yaml:"enabled"`
	MinConfidence float64  `yaml:"min_confidence"`
	MinPriority   string   `yaml:"min_priority"`
	SiteType      string   `yaml:"site_type"`
	Profile       string   `yaml:"profile"`
	Sizes         []string `yaml:"sizes"`
	Mode          string   `yaml:"mode"`
}

// TaskDef mirrors domain.TaskConfig. Profile references the profile by
// its name in the same file.
type TaskDef struct {
	SiteType       string   `yaml:"site_type"`
	SiteName       string   `yaml:"site_name"`
	SiteURL        string   `yaml:"site_url"`
	MonitorInput   string   `yaml:"monitor_input"`
	Sizes          []string `yaml:"sizes"`
	Mode           string   `yaml:"mode"`
	Profile        string   `yaml:"profile"`
	ProxyGroup     string   `yaml:"proxy_group"`
	MonitorDelay   Duration `yaml:"monitor_delay"`
	RetryDelay     Duration `yaml:"retry_delay"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryOnDecline bool     `yaml:"retry_on_decline"`
	RetryOnError   bool     `yaml:"retry_on_error"`
	UseCaptcha     bool     `yaml:"use_captcha"`
}

// LoadTaskFile reads and parses an operator task file.
func LoadTaskFile(path string) (TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskFile{}, fmt.Errorf("read task file: %w", err)
	}
	var tf TaskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return TaskFile{}, fmt.Errorf("parse task file: %w", err)
	}
	return tf, nil
}

// Profile converts the yaml form to the domain entity.
func (p ProfileDef) Profile() domain.Profile {
	return domain.Profile{
		Name:                  p.Name,
		Email:                 p.Email,
		Phone:                 p.Phone,
		Shipping:              p.Shipping.address(),
		Billing:               p.Billing.address(),
		BillingSameAsShipping: p.BillingSameAsShipping,
		Card: domain.Card{
			Holder:   p.Card.Holder,
			Number:   p.Card.Number,
			ExpMonth: p.Card.ExpMonth,
			ExpYear:  p.Card.ExpYear,
			CVV:      p.Card.CVV,
		},
	}
}

func (a AddressDef) address() domain.Address {
	return domain.Address{
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Address1:  a.Address1,
		Address2:  a.Address2,
		City:      a.City,
		State:     a.State,
		Zip:       a.Zip,
		Country:   a.Country,
	}
}

// TaskConfig converts the yaml form, resolving the profile name through
// the id map built while seeding profiles.
func (t TaskDef) TaskConfig(profileIDs map[string]string) domain.TaskConfig {
	return domain.TaskConfig{
		SiteType:       domain.SiteType(t.SiteType),
		SiteName:       t.SiteName,
		SiteURL:        t.SiteURL,
		MonitorInput:   t.MonitorInput,
		Sizes:          t.Sizes,
		Mode:           domain.TaskMode(t.Mode),
		ProfileID:      profileIDs[t.Profile],
		ProxyGroupID:   t.ProxyGroup,
		MonitorDelay:   time.Duration(t.MonitorDelay),
		RetryDelay:     time.Duration(t.RetryDelay),
		MaxRetries:     t.MaxRetries,
		RetryOnDecline: t.RetryOnDecline,
		RetryOnError:   t.RetryOnError,
		UseCaptcha:     t.UseCaptcha,
	}
}
