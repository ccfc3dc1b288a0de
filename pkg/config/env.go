package config

import (
	"os"
	"strconv"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/subosito/gotenv"
)

// Env is a source of string settings outside the YAML document, used for
// credentials that shouldn't live in a shared config file.
type Env interface {
	GetKey(key string) string
	GetKeyWithDefault(key, defaultValue string) string
	GetIntKeyWithDefault(key string, defaultValue int) int
}

// DotenvEnv reads keys from the process environment after optionally loading a
// dotenv file into it. Variables already present in the environment win.
type DotenvEnv struct {
	DotenvPath string
}

func NewDotenvEnv(path string) *DotenvEnv {
	return &DotenvEnv{DotenvPath: path}
}

func (e *DotenvEnv) Load() error {
	if e.DotenvPath == "" {
		return nil
	}

	path, err := homedir.Expand(e.DotenvPath)
	if err != nil {
		return errors.Wrapf(err, "unable to expand dotenv path %s", e.DotenvPath)
	}

	if err := gotenv.Load(path); err != nil {
		return errors.Wrapf(err, "unable to load dotenv file %s", path)
	}

	return nil
}

func (e *DotenvEnv) GetKey(key string) string {
	return os.Getenv(key)
}

func (e *DotenvEnv) GetKeyWithDefault(key, defaultValue string) string {
	return withDefault(e.GetKey(key), defaultValue)
}

func (e *DotenvEnv) GetIntKeyWithDefault(key string, defaultValue int) int {
	return intWithDefault(e.GetKey(key), defaultValue)
}

// MapEnv is an Env backed by a map. Tests use it in place of the process environment.
type MapEnv struct {
	values sync.Map
}

func NewMapEnv(entries map[string]string) *MapEnv {
	e := &MapEnv{}
	for key, value := range entries {
		e.values.Store(key, value)
	}
	return e
}

func (e *MapEnv) GetKey(key string) string {
	v, ok := e.values.Load(key)
	if !ok || v == nil {
		return ""
	}
	return v.(string)
}

func (e *MapEnv) GetKeyWithDefault(key, defaultValue string) string {
	return withDefault(e.GetKey(key), defaultValue)
}

func (e *MapEnv) GetIntKeyWithDefault(key string, defaultValue int) int {
	return intWithDefault(e.GetKey(key), defaultValue)
}

func withDefault(val, defaultValue string) string {
	if val == "" {
		return defaultValue
	}
	return val
}

func intWithDefault(val string, defaultValue int) int {
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}
