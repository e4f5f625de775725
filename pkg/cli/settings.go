package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/juliushaag/cbuild/pkg/build"
	"github.com/juliushaag/cbuild/pkg/tools/builtin"
)

const (
	envPrefix      = "CBUILD"
	configName     = "cbuild"
	configHomePath = "$HOME/.config/cbuild"
)

// Settings keys.
const (
	keyJobs            = "jobs"
	keyWorkers         = "workers"
	keyNoCache         = "no_cache"
	keyStrict          = "strict"
	keyLogLevel        = "log_level"
	keyNoColor         = "no_color"
	keyPollInterval    = "poll_interval"
	keyMaxPollInterval = "max_poll_interval"
	keyToolchains      = "toolchains"
	keyEnv             = "env"
	keyGCCCC           = "gcc.cc"
	keyGCCCXX          = "gcc.cxx"
	keyGCCAR           = "gcc.ar"
	keyClangCC         = "clang.cc"
	keyClangCXX        = "clang.cxx"
	keyClangAR         = "clang.ar"
	keyCMakeProgram    = "cmake.program"
)

// ProgramSettings overrides the programs of a GNU-style toolchain.
type ProgramSettings struct {
	CC  string
	CXX string
	AR  string
}

// Settings are the effective options of a run.
type Settings struct {
	Jobs            int
	Workers         int
	NoCache         bool
	Strict          bool
	LogLevel        string
	NoColor         bool
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Toolchains      []string
	Env             map[string]string
	GCC             ProgramSettings
	Clang           ProgramSettings
	CMake           string
}

// NewViper creates a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(keyJobs, runtime.NumCPU())
	v.SetDefault(keyWorkers, 1)
	v.SetDefault(keyNoCache, false)
	v.SetDefault(keyStrict, false)
	v.SetDefault(keyLogLevel, "warn")
	v.SetDefault(keyNoColor, false)
	v.SetDefault(keyPollInterval, build.DefaultPollInterval)
	v.SetDefault(keyMaxPollInterval, build.DefaultMaxPollInterval)
	v.SetDefault(keyToolchains, builtin.DefaultOrder)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadSettings reads the config file and merges the project settings.
// Project settings override the config file, the environment and flags
// override both.
func LoadSettings(v *viper.Viper, configFile string, project *build.Project) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		if project != nil {
			v.AddConfigPath(project.Root)
		}
		v.AddConfigPath(".")
		v.AddConfigPath(configHomePath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}
	if project != nil && len(project.Settings) > 0 {
		if err := v.MergeConfigMap(project.Settings); err != nil {
			return nil, fmt.Errorf("merge project settings error: %w", err)
		}
	}

	s := &Settings{
		Jobs:            v.GetInt(keyJobs),
		Workers:         v.GetInt(keyWorkers),
		NoCache:         v.GetBool(keyNoCache),
		Strict:          v.GetBool(keyStrict),
		LogLevel:        v.GetString(keyLogLevel),
		NoColor:         v.GetBool(keyNoColor),
		PollInterval:    v.GetDuration(keyPollInterval),
		MaxPollInterval: v.GetDuration(keyMaxPollInterval),
		Toolchains:      v.GetStringSlice(keyToolchains),
		Env:             v.GetStringMapString(keyEnv),
		GCC: ProgramSettings{
			CC:  v.GetString(keyGCCCC),
			CXX: v.GetString(keyGCCCXX),
			AR:  v.GetString(keyGCCAR),
		},
		Clang: ProgramSettings{
			CC:  v.GetString(keyClangCC),
			CXX: v.GetString(keyClangCXX),
			AR:  v.GetString(keyClangAR),
		},
		CMake: v.GetString(keyCMakeProgram),
	}
	if s.Jobs <= 0 {
		s.Jobs = runtime.NumCPU()
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	return s, nil
}

// EnvList returns Env as sorted KEY=VALUE entries.
func (s *Settings) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	list := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		list = append(list, strings.ToUpper(k)+"="+os.ExpandEnv(v))
	}
	sort.Strings(list)
	return list
}

// ApplyTo overrides the backend options.
func (s *Settings) ApplyTo(opts *builtin.Options) {
	if len(s.Toolchains) > 0 {
		opts.Order = s.Toolchains
	}
	override(&opts.GCC.CC, s.GCC.CC)
	override(&opts.GCC.CXX, s.GCC.CXX)
	override(&opts.GCC.AR, s.GCC.AR)
	override(&opts.Clang.CC, s.Clang.CC)
	override(&opts.Clang.CXX, s.Clang.CXX)
	override(&opts.Clang.AR, s.Clang.AR)
	override(&opts.CMake, s.CMake)
}

// Scheduler creates the compilation scheduler from the settings.
func (s *Settings) Scheduler(runner build.Runner) *build.Scheduler {
	return &build.Scheduler{
		Runner:          runner,
		MaxJobs:         s.Jobs,
		PollInterval:    s.PollInterval,
		MaxPollInterval: s.MaxPollInterval,
	}
}

func override(dst *string, val string) {
	if val != "" {
		*dst = filepath.FromSlash(val)
	}
}
