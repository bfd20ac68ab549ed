package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Messaging  MessagingConfig  `toml:"messaging"`
	Encryption EncryptionConfig `toml:"encryption"`
	Logging    LoggingConfig    `toml:"logging"`
	Storage    StorageConfig    `toml:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// MessagingConfig contains message routing settings
type MessagingConfig struct {
	// HistoryRetrieval requests archived history when a conversation opens
	HistoryRetrieval bool `toml:"history_retrieval"`

	// RequestReceipts asks for delivery receipts on outgoing messages
	RequestReceipts bool `toml:"request_receipts"`

	// SilenceStrangers drops live messages from peers not on the roster
	SilenceStrangers bool `toml:"silence_strangers"`

	// Notifications enables terminal bell / desktop notifications
	Notifications bool `toml:"notifications"`
}

// EncryptionConfig contains encryption settings
type EncryptionConfig struct {
	// Enabled lists the usable backends: otr, pgp, ox, omemo
	Enabled []string `toml:"enabled"`

	// OTRPolicy is one of never, manual, opportunistic, always
	OTRPolicy string `toml:"otr_policy"`

	// OTRKeyFile is the path to the serialized OTR private key
	OTRKeyFile string `toml:"otr_key_file"`

	// PGPKeyID selects the signing key from the keyring (hex suffix match)
	PGPKeyID string `toml:"pgp_key_id"`

	// PGPKeyringFile is the path to the armored OpenPGP keyring
	PGPKeyringFile string `toml:"pgp_keyring_file"`

	// OMEMOAutoStart flips a conversation to OMEMO when an OMEMO message arrives
	OMEMOAutoStart bool `toml:"omemo_auto_start"`

	// OMEMOTOFU trusts new device identities on first use
	OMEMOTOFU bool `toml:"omemo_tofu"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// PrivacyLogging redacts encrypted message bodies from the chat log
	PrivacyLogging bool `toml:"privacy_logging"`
}

// Account represents an XMPP account configuration
type Account struct {
	JID         string `toml:"jid"`
	Password    string `toml:"password"`
	AutoConnect bool   `toml:"auto_connect"`
	Server      string `toml:"server"`
	Port        int    `toml:"port"`
	Resource    string `toml:"resource"`
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Messaging: MessagingConfig{
			HistoryRetrieval: true,
			RequestReceipts:  true,
			SilenceStrangers: false,
			Notifications:    true,
		},
		Encryption: EncryptionConfig{
			Enabled:        []string{"otr", "pgp", "ox", "omemo"},
			OTRPolicy:      "opportunistic",
			OMEMOAutoStart: true,
			OMEMOTOFU:      true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			PrivacyLogging: false,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "palaver")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "palaver")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "palaver")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config doesn't exist, use defaults
		cfg.General.DataDir = paths.DataDir
		cfg.Logging.File = filepath.Join(paths.DataDir, "palaver.log")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand paths
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "palaver.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if cfg.Encryption.OTRKeyFile != "" {
		cfg.Encryption.OTRKeyFile = expandPath(cfg.Encryption.OTRKeyFile)
	}
	if cfg.Encryption.PGPKeyringFile != "" {
		cfg.Encryption.PGPKeyringFile = expandPath(cfg.Encryption.PGPKeyringFile)
	}

	return cfg, nil
}

// HasBackend reports whether the named encryption backend is enabled.
func (c *EncryptionConfig) HasBackend(name string) bool {
	for _, b := range c.Enabled {
		if b == name {
			return true
		}
	}
	return false
}

// LoadAccounts loads account configurations
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	// Set defaults for accounts
	for i := range accounts.Accounts {
		if accounts.Accounts[i].Port == 0 {
			accounts.Accounts[i].Port = 5222
		}
		if accounts.Accounts[i].Resource == "" {
			accounts.Accounts[i].Resource = "palaver"
		}
	}

	return &accounts, nil
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveAccounts saves account configurations
func SaveAccounts(accounts *AccountsConfig) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")
	f, err := os.Create(accountsPath)
	if err != nil {
		return fmt.Errorf("failed to create accounts file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
