package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pelletier/go-toml/v2"

	"github.com/fho/mailsyncd/internal/imapsync"
)

const (
	SecuritySSL      = "ssl"
	SecurityStartTLS = "starttls"
	SecurityPlain    = "plain"

	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

const (
	defaultDatabasePath   = "/var/lib/mailsyncd/mailsyncd.db"
	defaultSpoolDir       = "/var/lib/mailsyncd/spool"
	defaultConnectTimeout = "60s"
)

type Config struct {
	// ImapAddr is the e-mail address of the account.
	ImapAddr          string
	ImapServer        string
	ImapPort          uint16
	ImapUser          string
	ImapPassword      string
	ImapOAuth2Token   string
	ImapSecurity      string
	ImapAuth          string
	CertificateChecks string
	WatchFolder       string
	CreateMvbox       bool
	DatabasePath      string
	SpoolDir          string
	DisableDNSCache   bool
	ConnectTimeout    string
	LogIMAPData       bool
}

func (c *Config) String() string {
	const unset = "UNSET"
	const hiddenPasswd = "***"
	var sb strings.Builder

	printKv := func(k string, v any) {
		fmt.Fprintf(&sb, "%-30v%-50v\n", k+":", v)
	}

	printSecret := func(k, v string) {
		if v == "" {
			printKv(k, unset)
		} else {
			printKv(k, hiddenPasswd)
		}
	}

	sb.WriteString("Configuration:\n")
	printKv("E-Mail Address", c.ImapAddr)
	printKv("IMAP Server", fmt.Sprintf("%s:%d", c.ImapServer, c.ImapPort))
	printKv("IMAP Security", c.ImapSecurity)
	printKv("IMAP Authentication", c.ImapAuth)
	printKv("IMAP User", c.ImapUser)
	printSecret("IMAP Password", c.ImapPassword)
	printSecret("IMAP OAuth2 Token", c.ImapOAuth2Token)
	printKv("Certificate Checks", c.CertificateChecks)
	printKv("Watch Folder", c.WatchFolder)
	printKv("Create Mvbox", c.CreateMvbox)
	printKv("Database Path", c.DatabasePath)
	printKv("Spool Directory", c.SpoolDir)
	printKv("DNS Cache", !c.DisableDNSCache)
	printKv("Connect Timeout", c.ConnectTimeout)
	printKv("Log IMAP Data", c.LogIMAPData)

	sb.WriteRune('\n')
	fmt.Fprintf(&sb, "New mails in %q are downloaded to %q.\n", c.WatchFolder, c.SpoolDir)

	return sb.String()
}

func FromFile(path string) (*Config, error) {
	var result Config
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	err = toml.Unmarshal(buf, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) SetDefaults() {
	if c.ImapSecurity == "" {
		c.ImapSecurity = SecuritySSL
	}

	if c.ImapAuth == "" {
		c.ImapAuth = AuthPassword
	}

	if c.ImapPort == 0 {
		if c.ImapSecurity == SecuritySSL {
			c.ImapPort = 993
		} else {
			c.ImapPort = 143
		}
	}

	if c.ImapUser == "" {
		c.ImapUser = c.ImapAddr
	}

	if c.ImapServer == "" {
		if _, domain, found := strings.Cut(c.ImapAddr, "@"); found && domain != "" {
			c.ImapServer = "imap." + domain
		}
	}

	if c.WatchFolder == "" {
		c.WatchFolder = "INBOX"
	}

	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}

	if c.SpoolDir == "" {
		c.SpoolDir = defaultSpoolDir
	}

	if c.ConnectTimeout == "" {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// Validate returns an error if a setting is missing or invalid.
// It should be called after [Config.SetDefaults].
func (c *Config) Validate() error {
	var errs []error

	if _, err := mail.ParseAddress(c.ImapAddr); err != nil {
		errs = append(errs, fmt.Errorf("ImapAddr: invalid e-mail address %q: %w", c.ImapAddr, err))
	}

	if c.ImapServer == "" {
		errs = append(errs, errors.New("ImapServer: must be set"))
	}

	switch c.ImapSecurity {
	case SecuritySSL, SecurityStartTLS, SecurityPlain:
	default:
		errs = append(errs, fmt.Errorf("ImapSecurity: invalid value %q, must be one of: %s, %s, %s",
			c.ImapSecurity, SecuritySSL, SecurityStartTLS, SecurityPlain))
	}

	switch c.ImapAuth {
	case AuthPassword:
		if c.ImapPassword == "" {
			errs = append(errs, errors.New("ImapPassword: must be set"))
		}
	case AuthOAuth2:
		if c.ImapPassword == "" && c.ImapOAuth2Token == "" {
			errs = append(errs, errors.New("ImapOAuth2Token or ImapPassword: must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("ImapAuth: invalid value %q, must be one of: %s, %s",
			c.ImapAuth, AuthPassword, AuthOAuth2))
	}

	if _, err := imapsync.ParseCertificateChecks(c.CertificateChecks); err != nil {
		errs = append(errs, fmt.Errorf("CertificateChecks: %w", err))
	}

	if _, err := c.Timeout(); err != nil {
		errs = append(errs, fmt.Errorf("ConnectTimeout: %w", err))
	}

	return errors.Join(errs...)
}

// Timeout returns the parsed ConnectTimeout.
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("must be positive, is %s", d)
	}

	return d, nil
}

// LoginParams converts the IMAP settings to [imapsync.LoginParams].
// With OAuth2 authentication the ImapPassword is passed as credential to
// the token source, if it is unset ImapOAuth2Token is used.
func (c *Config) LoginParams() (*imapsync.LoginParams, error) {
	certChecks, err := imapsync.ParseCertificateChecks(c.CertificateChecks)
	if err != nil {
		return nil, err
	}

	result := imapsync.LoginParams{
		Addr:              c.ImapAddr,
		Server:            c.ImapServer,
		Port:              c.ImapPort,
		User:              c.ImapUser,
		Password:          c.ImapPassword,
		CertificateChecks: certChecks,
	}

	switch c.ImapSecurity {
	case SecuritySSL:
		result.ServerFlags |= imapsync.FlagSocketSSL
	case SecurityStartTLS:
		result.ServerFlags |= imapsync.FlagSocketStartTLS
	case SecurityPlain:
		result.ServerFlags |= imapsync.FlagSocketPlain
	default:
		return nil, fmt.Errorf("invalid ImapSecurity value: %q", c.ImapSecurity)
	}

	if c.ImapAuth == AuthOAuth2 {
		result.ServerFlags |= imapsync.FlagAuthOAuth2
		if result.Password == "" {
			result.Password = c.ImapOAuth2Token
		}
	}

	return &result, nil
}

// credentialFiles maps the names of files in a credentials directory to the
// settings they override.
func (c *Config) credentialFiles() map[string]*string {
	return map[string]*string{
		"ImapUser":        &c.ImapUser,
		"ImapPassword":    &c.ImapPassword,
		"ImapOAuth2Token": &c.ImapOAuth2Token,
	}
}

// LoadCredentialsFromDirectory overrides credential settings with the
// content of files in dir, as provided by systemd's LoadCredential=.
// The files are named like the settings, missing files are skipped.
// Trailing line breaks are removed from the file content.
func (c *Config) LoadCredentialsFromDirectory(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("credentials directory: %w", err)
	}

	for name, setting := range c.credentialFiles() {
		buf, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading credential %s: %w", name, err)
		}

		if len(buf) == 0 {
			return fmt.Errorf("reading credential %s: file is empty", name)
		}

		*setting = strings.TrimRight(string(buf), "\r\n")
	}

	return nil
}
