// Copyright © 2026 Genome Research Limited
//
//  This file is part of wmq.
//
//  wmq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wmq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wmq. If not, see <http://www.gnu.org/licenses/>.

package internal

// this file implements the config system used by the cmd package

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/inconshreveable/log15"
	"github.com/jinzhu/configor"
	"github.com/olekukonko/tablewriter"
)

const (
	configCommonBasename = ".wmq_config.yml"

	// EnvPrefix is the prefix of environment variables that override config
	// file settings, eg. WMQ_MANAGERPORT.
	EnvPrefix = "WMQ"

	// Production is the name of the main deployment
	Production = "production"

	// Development is the name of the development deployment, used during testing
	Development = "development"

	// RoleGlobal is the QueueRole of a queue that accepts whole requests.
	RoleGlobal = "global"

	// RoleLocal is the QueueRole of a queue that pulls work from a parent.
	RoleLocal = "local"

	// ConfigSourceEnvVar is a config value source
	ConfigSourceEnvVar = "env var"

	// ConfigSourceDefault is a config value source
	ConfigSourceDefault = "default"

	sourcesProperty = "sources"

	portsNeeded      = 2
	portsProdDevDiff = 1
	portsMinPort     = 11300
	portsMaxPort     = 65535
)

// Config holds the configuration options for the work queue manager and its
// clients.
type Config struct {
	ManagerPort               string `default:""`
	ManagerHost               string `default:"localhost"`
	ManagerDir                string `default:"~/.wmq"`
	ManagerPidFile            string `default:"pid"`
	ManagerLogFile            string `default:"log"`
	ManagerDbFile             string `default:"db"`
	ManagerUmask              int    `default:"007"`
	Deployment                string `default:"production"`
	QueueRole                 string `default:"global"`
	QueueURL                  string `default:""`
	ParentURL                 string `default:""`
	Team                      string `default:""`
	Backend                   string `default:"bolt"`
	BackendDSN                string `default:""`
	SpecSource                string `default:"specs"`
	CatalogSource             string `default:"catalog.yml"`
	CatalogCacheSeconds       int    `default:"300"`
	ReqMgrURL                 string `default:""`
	SiteThresholds            string `default:""`
	PollSeconds               int    `default:"60"`
	SyncSeconds               int    `default:"60"`
	HousekeepSeconds          int    `default:"300"`
	NegotiationTimeoutSeconds int    `default:"600"`
	RetentionHours            int    `default:"168"`
	AgingPerHour              int    `default:"0"`
	AgingMax                  int    `default:"0"`
	JobsPerElement            int    `default:"1"`
	BackoffMinMs              int    `default:"100"`
	BackoffMaxMs              int    `default:"10000"`
	BackendRetries            int    `default:"5"`
	RequestTimeoutSeconds     int    `default:"30"`
	QueryPageSize             int    `default:"500"`
	MetricsDisabled           bool   `default:"false"`
	sources                   map[string]string
}

// merge compares existing to new Config values, and for each one that has
// changed, sets the given source on the changed property in our sources,
// and sets the new value on ourselves.
func (c *Config) merge(new *Config, source string) {
	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	vNew := reflect.ValueOf(*new)

	if c.sources == nil {
		c.sources = make(map[string]string)
	}

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		if vNew.Field(i).Interface() != v.Field(i).Interface() {
			c.sources[property] = source

			adrField := reflect.ValueOf(c).Elem().Field(i)
			switch typeOfC.Field(i).Type.Kind() {
			case reflect.String:
				adrField.SetString(vNew.Field(i).String())
			case reflect.Int:
				adrField.SetInt(vNew.Field(i).Int())
			case reflect.Bool:
				adrField.SetBool(vNew.Field(i).Bool())
			}
		}
	}
}

// clone makes a new Config with our values.
func (c *Config) clone() *Config {
	new := &Config{}

	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		adrField := reflect.ValueOf(new).Elem().Field(i)
		switch typeOfC.Field(i).Type.Kind() {
		case reflect.String:
			adrField.SetString(v.Field(i).String())
		case reflect.Int:
			adrField.SetInt(v.Field(i).Int())
		case reflect.Bool:
			adrField.SetBool(v.Field(i).Bool())
		}
	}

	new.sources = make(map[string]string)
	for key, val := range c.sources {
		new.sources[key] = val
	}

	return new
}

// Source returns where the value of a Config field was defined.
func (c Config) Source(field string) string {
	if c.sources == nil {
		return ConfigSourceDefault
	}
	source, set := c.sources[field]
	if !set {
		return ConfigSourceDefault
	}
	return source
}

func (c Config) String() string {
	v := reflect.ValueOf(c)
	typeOfC := v.Type()

	tableString := &strings.Builder{}
	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Config", "Value", "Source"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		table.Append([]string{property, fmt.Sprintf("%v", v.Field(i).Interface()), c.Source(property)})
	}

	table.Render()
	return tableString.String()
}

/*
ConfigLoad loads configuration settings from files and environment
variables. Note, this function exits on error, since without config we can't
do anything.

We prefer settings in config file in current dir (or the current dir's parent
dir if the useparentdir option is true (used for test scripts)) over config file
in home directory over config file in dir pointed to by WMQ_CONFIG_DIR.

The deployment argument determines if we read .wmq_config.production.yml or
.wmq_config.development.yml; we always read .wmq_config.yml. If the empty
string is supplied, deployment is development if you're in the git repository
directory. Otherwise, deployment is taken from the environment variable
WMQ_DEPLOYMENT, and if that's not set it defaults to production.

Settings found in no file can be set with the environment variable
WMQ_<setting name in caps>, eg.
export WMQ_MANAGERPORT="11301"
*/
func ConfigLoad(deployment string, useparentdir bool, logger log15.Logger) Config {
	config, err := configLoad(deployment, useparentdir, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	return config
}

// configLoad does the work of ConfigLoad(), returning errors instead of
// exiting.
func configLoad(deployment string, useparentdir bool, logger log15.Logger) (Config, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	if useparentdir {
		pwd = filepath.Dir(pwd)
	}

	// if deployment not set on the command line
	if deployment != Development && deployment != Production {
		deployment = DefaultDeployment(logger)
	}

	// we don't os.Setenv("CONFIGOR_ENV", deployment) to stop configor loading
	// files before we want it to
	err = os.Setenv("CONFIGOR_ENV_PREFIX", EnvPrefix)
	if err != nil {
		return Config{}, err
	}

	// because we want to know the source of every value, we can't take
	// advantage of configor.Load() being able to take all env vars and config
	// files at once. We do it repeatedly and merge results instead
	config := &Config{}
	if err = defaults.Set(config); err != nil {
		return Config{}, err
	}

	// ManagerUmask is likely to be zero prefixed by user, but that is not
	// converted to int correctly, so fix first
	umaskVar := EnvPrefix + "_MANAGERUMASK"
	if umask := os.Getenv(umaskVar); umask != "" && strings.HasPrefix(umask, "0") {
		os.Setenv(umaskVar, strings.TrimLeft(umask, "0"))
	}
	configEnv := config.clone()
	if err = configor.Load(configEnv); err != nil {
		return Config{}, err
	}
	config.merge(configEnv, ConfigSourceEnvVar)

	// read each config file and merge results
	configDeploymentBasename := ".wmq_config." + deployment + ".yml"

	var dirs []string
	if configDir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); configDir != "" {
		dirs = append(dirs, configDir)
	}
	if home, herr := os.UserHomeDir(); herr == nil && home != "" {
		dirs = append(dirs, home)
	}
	dirs = append(dirs, pwd)

	for _, dir := range dirs {
		for _, base := range []string{configCommonBasename, configDeploymentBasename} {
			if err = configLoadFromFile(config, filepath.Join(dir, base)); err != nil {
				return Config{}, err
			}
		}
	}

	// adjust properties as needed
	config.Deployment = deployment

	// convert the possible ~/ in ManagerDir to abs path to user's home
	config.ManagerDir = TildaToHome(config.ManagerDir)
	config.ManagerDir += "_" + deployment

	// convert the possible relative paths in Manager*File to abs paths in
	// ManagerDir
	if !filepath.IsAbs(config.ManagerPidFile) {
		config.ManagerPidFile = filepath.Join(config.ManagerDir, config.ManagerPidFile)
	}
	if !filepath.IsAbs(config.ManagerLogFile) {
		config.ManagerLogFile = filepath.Join(config.ManagerDir, config.ManagerLogFile)
	}
	if !filepath.IsAbs(config.ManagerDbFile) {
		config.ManagerDbFile = filepath.Join(config.ManagerDir, config.ManagerDbFile)
	}

	// if not explicitly set, calculate a port that no one else would be
	// assigned by us
	if config.ManagerPort == "" {
		port, perr := calculatePort(config.Deployment)
		if perr != nil {
			return Config{}, perr
		}
		config.ManagerPort = port
	}

	if config.QueueURL == "" {
		config.QueueURL = "http://" + config.ManagerHost + ":" + config.ManagerPort
	}

	return *config, nil
}

func configLoadFromFile(config *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	configFile := config.clone()
	if err := configor.Load(configFile, path); err != nil {
		return err
	}
	config.merge(configFile, path)
	return nil
}

// IsProduction tells you if we're in the production deployment.
func (c Config) IsProduction() bool {
	return c.Deployment == Production
}

// IsDevelopment tells you if we're in the development deployment.
func (c Config) IsDevelopment() bool {
	return c.Deployment == Development
}

// IsLocal tells you if the manager should run as a local queue that pulls work
// from ParentURL.
func (c Config) IsLocal() bool {
	return c.QueueRole == RoleLocal
}

// Thresholds parses SiteThresholds, which is of the form "SiteA:100,SiteB:20",
// in to a map of site name to job slot limit.
func (c Config) Thresholds() (map[string]int, error) {
	thresholds := make(map[string]int)
	if c.SiteThresholds == "" {
		return thresholds, nil
	}

	for _, pair := range strings.Split(c.SiteThresholds, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("bad site threshold %q", pair)
		}
		limit, err := strconv.Atoi(parts[1])
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("bad site threshold %q", pair)
		}
		thresholds[parts[0]] = limit
	}
	return thresholds, nil
}

// Seconds is a convenience that converts one of our integer second settings in
// to a Duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// DefaultDeployment works out the default deployment.
func DefaultDeployment(logger log15.Logger) string {
	pwd, err := os.Getwd()
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	// if we're in the git repository
	if _, err := os.Stat(filepath.Join(pwd, "workqueue", "queue.go")); err == nil {
		return Development
	}

	// default to production, but allow env var to override with development
	if os.Getenv(EnvPrefix+"_DEPLOYMENT") == Development {
		return Development
	}
	return Production
}

// DefaultConfig works out the default config for when we need to be able to
// report the default before we know what deployment the user has actually
// chosen, ie. before we have a final config.
func DefaultConfig(logger log15.Logger) Config {
	return ConfigLoad(DefaultDeployment(logger), false, logger)
}

// calculatePort returns a port number that will be unique to this user and
// deployment.
func calculatePort(deployment string) (string, error) {
	uid := os.Getuid()
	if uid < 0 {
		uid = 0
	}

	// by basing on user id we can avoid conflicts with other users of wmq on
	// the same machine
	pn := portsMinPort + (uid * portsNeeded)
	if pn+portsNeeded-1 > portsMaxPort {
		return "", fmt.Errorf("your user id %d is too large to calculate a port from; please set managerport in your config file", uid)
	}

	if deployment == Development {
		pn += portsProdDevDiff
	}

	return strconv.Itoa(pn), nil
}
