package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var ErrMissingKeys = stderrors.New("missing required config keys")

const (
	DefaultThreads        = 4
	DefaultLinkNameSuffix = ".ndpi [0]"
	DefaultLogLevel       = "info"

	EnvUsername = "OMERO_USERNAME"
	EnvPassword = "OMERO_PASSWORD"
	EnvTxRetry  = "OMEROTK_TX_RETRY"

	rootKey = "omero"
)

const (
	KeyHost           = "host"
	KeyPort           = "port"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyDatasetID      = "dataset_id"
	KeyProjectID      = "project_id"
	KeyChunkSize      = "chunk_size"
	KeyFilenames      = "filenames"
	KeyWebBaseURL     = "web_base_url"
	KeyNewDatasetName = "new_dataset_name"
	KeyNewProjectName = "new_project_name"
	KeyHistoryDB      = "history_db"
)

// Settings is the omero section of the YAML config file after defaults,
// credential overrides and dataset id parsing have been applied.
type Settings struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	WebURL         string        `mapstructure:"web_url"`
	RawDatasetID   interface{}   `mapstructure:"dataset_id"`
	ProjectID      int64         `mapstructure:"project_id"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	Filenames      []string      `mapstructure:"filenames"`
	Threads        int           `mapstructure:"threads"`
	WebBaseURL     string        `mapstructure:"web_base_url"`
	LinkNameSuffix string        `mapstructure:"link_name_suffix"`
	NewDatasetName string        `mapstructure:"new_dataset_name"`
	NewProjectName string        `mapstructure:"new_project_name"`
	HistoryDB      string        `mapstructure:"history_db"`
	LogLevel       string        `mapstructure:"log_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	DatasetIDs []int64 `mapstructure:"-"`

	// TxRetry is how many times a history transaction is attempted. It comes
	// from OMEROTK_TX_RETRY and is 0 when unset.
	TxRetry int `mapstructure:"-"`
}

// Load reads the YAML file at path and overlays credentials from env. A nil env
// skips the overlay.
func Load(path string, env Env) (*Settings, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to expand config path %s", path)
	}

	v := viper.New()
	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "unable to read config file %s", expanded)
	}

	if !v.InConfig(rootKey) {
		return nil, fmt.Errorf("config file %s has no '%s' section", expanded, rootKey)
	}

	var s Settings
	if err := v.UnmarshalKey(rootKey, &s); err != nil {
		return nil, errors.Wrapf(err, "unable to decode '%s' section of %s", rootKey, expanded)
	}

	if err := s.finish(env); err != nil {
		return nil, errors.Wrapf(err, "invalid config in %s", expanded)
	}

	return &s, nil
}

// finish fills in what the YAML section leaves out. UnmarshalKey only sees the
// section as written, so viper defaults never reach it.
func (s *Settings) finish(env Env) error {
	ids, err := ParseDatasetIDs(s.RawDatasetID)
	if err != nil {
		return err
	}
	s.DatasetIDs = ids

	if env != nil {
		s.Username = env.GetKeyWithDefault(EnvUsername, s.Username)
		s.Password = env.GetKeyWithDefault(EnvPassword, s.Password)
		s.TxRetry = env.GetIntKeyWithDefault(EnvTxRetry, 0)
	}

	if s.WebURL == "" && s.Host != "" {
		s.WebURL = fmt.Sprintf("https://%s/", s.Host)
	}

	if s.Threads <= 0 {
		s.Threads = DefaultThreads
	}

	if s.LinkNameSuffix == "" {
		s.LinkNameSuffix = DefaultLinkNameSuffix
	}

	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}

	return nil
}

// ParseDatasetIDs accepts a single id, a list of ids or a comma separated string.
func ParseDatasetIDs(raw interface{}) ([]int64, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil

	case string:
		var ids []int64
		for _, part := range strings.Split(val, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := cast.ToInt64E(part)
			if err != nil {
				return nil, errors.Wrapf(err, "bad dataset_id entry '%s'", part)
			}
			ids = append(ids, id)
		}
		return ids, nil

	case []interface{}:
		ids := make([]int64, 0, len(val))
		for _, entry := range val {
			id, err := cast.ToInt64E(entry)
			if err != nil {
				return nil, errors.Wrapf(err, "bad dataset_id entry '%v'", entry)
			}
			ids = append(ids, id)
		}
		return ids, nil

	default:
		id, err := cast.ToInt64E(val)
		if err != nil {
			return nil, errors.Wrapf(err, "bad dataset_id '%v'", val)
		}
		return []int64{id}, nil
	}
}

// FirstDatasetID returns the first configured dataset id, or 0.
func (s *Settings) FirstDatasetID() int64 {
	if len(s.DatasetIDs) == 0 {
		return 0
	}
	return s.DatasetIDs[0]
}

func (s *Settings) isSet(key string) bool {
	switch key {
	case KeyHost:
		return s.Host != ""
	case KeyPort:
		return s.Port != 0
	case KeyUsername:
		return s.Username != ""
	case KeyPassword:
		return s.Password != ""
	case KeyDatasetID:
		return len(s.DatasetIDs) != 0
	case KeyProjectID:
		return s.ProjectID != 0
	case KeyChunkSize:
		return s.ChunkSize > 0
	case KeyFilenames:
		return len(s.Filenames) != 0
	case KeyWebBaseURL:
		return s.WebBaseURL != ""
	case KeyNewDatasetName:
		return s.NewDatasetName != ""
	case KeyNewProjectName:
		return s.NewProjectName != ""
	case KeyHistoryDB:
		return s.HistoryDB != ""
	default:
		return false
	}
}

// Require returns an error wrapping ErrMissingKeys that names every key in
// keys that isn't set.
func (s *Settings) Require(keys ...string) error {
	var missing []string
	for _, key := range keys {
		if !s.isSet(key) {
			missing = append(missing, key)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return errors.Wrapf(ErrMissingKeys, "[%s]", strings.Join(missing, ", "))
}

func withConnectionKeys(keys ...string) []string {
	return append([]string{KeyHost, KeyPort, KeyUsername, KeyPassword}, keys...)
}

func (s *Settings) ValidateForChunk() error {
	return s.Require(withConnectionKeys(KeyDatasetID, KeyChunkSize)...)
}

func (s *Settings) ValidateForDownload() error {
	return s.Require(withConnectionKeys(KeyDatasetID)...)
}

func (s *Settings) ValidateForLinks() error {
	return s.Require(withConnectionKeys(KeyWebBaseURL, KeyFilenames)...)
}

func (s *Settings) ValidateForHistory() error {
	return s.Require(KeyHistoryDB)
}

// ValidateForUpload requires either new_project_name, or new_dataset_name
// together with the project_id it goes into.
func (s *Settings) ValidateForUpload() error {
	switch {
	case s.NewProjectName != "":
		return s.Require(withConnectionKeys()...)
	case s.NewDatasetName != "":
		return s.Require(withConnectionKeys(KeyProjectID)...)
	default:
		return s.Require(withConnectionKeys(KeyNewProjectName)...)
	}
}
