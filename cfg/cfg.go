// SPDX-License-Identifier: GPL-3.0-or-later

// Package cfg loads the daemon's yaml configuration. The file is resolved
// from, in order: the system default, $HIVEMIND_CONFIG, and any paths
// passed to MustInit; every file found is merged on top of the previous
// ones, so a local override file can shadow individual keys of the system
// one.
package cfg

import (
	"log"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const (
	configPathEnv                    = "HIVEMIND_CONFIG"
	defaultYAMLConfigurationFilePath = "/etc/hivemind/hivemind.yaml"
)

var (
	initializer = new(sync.Once)
	loadedFiles []string
)

func MustInit(absoluteCfgPaths ...string) {
	initializer.Do(func() { mustInit(absoluteCfgPaths...) })
}

func mustInit(absoluteCfgPaths ...string) {
	candidates := make([]string, 0, len(absoluteCfgPaths)+2)
	candidates = append(candidates, defaultYAMLConfigurationFilePath)
	if env := os.Getenv(configPathEnv); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, absoluteCfgPaths...)

	viper.SetConfigType("yaml")
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		viper.SetConfigFile(path)
		if len(loadedFiles) == 0 {
			if err := viper.ReadInConfig(); err != nil {
				log.Panic(errors.Wrapf(err, "could not read configuration file `%v`", path))
			}
		} else if err := viper.MergeInConfig(); err != nil {
			log.Panic(errors.Wrapf(err, "could not merge configuration file `%v`", path))
		}
		loadedFiles = append(loadedFiles, path)
	}
	if len(loadedFiles) == 0 {
		log.Printf("warn: no configuration file found (tried %+v); all settings fall back to defaults", candidates)
	}
}

// MustGet deserialises the yaml block named after the calling package: the
// block name is the last element of T's package path, so the `hive`
// package reads the `hive:` block.
func MustGet[T any]() *T {
	var t T
	pkgPath := reflect.TypeOf(t).PkgPath()
	key := pkgPath[strings.LastIndex(pkgPath, "/")+1:]
	if err := viper.UnmarshalKey(key, &t); err != nil {
		log.Panic(errors.Wrapf(err, "could not deserialise yaml key `%v` (from %+v) into %+v", key, loadedFiles, t))
	}

	return &t
}
