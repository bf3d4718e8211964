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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmwm/workqueue/internal"
	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"
)

var testLogger = log15.New()

func TestConfig(t *testing.T) {
	testLogger.SetHandler(log15.DiscardHandler())

	fileTestSetup := func(dir, mport, role1, role2 string) (string, string, error) {
		path := filepath.Join(dir, ".wmq_config.yml")
		if _, err := os.Stat(path); err == nil {
			return path, "", fmt.Errorf("%s already exists", path)
		}
		path2 := filepath.Join(dir, ".wmq_config.development.yml")
		if _, err := os.Stat(path2); err == nil {
			return path, "", fmt.Errorf("%s already exists", path2)
		}

		content := fmt.Sprintf("managerport: \"%s\"\nqueuerole: \"%s\"\n", mport, role1)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			return path, path2, err
		}
		err := os.WriteFile(path2, []byte(fmt.Sprintf("queuerole: \"%s\"\n", role2)), 0600)
		return path, path2, err
	}
	fileTestTeardown := func(path, path2 string) {
		err := os.Remove(path)
		if err != nil {
			fmt.Printf("\nfailed to delete %s: %s\n", path, err)
		}
		err = os.Remove(path2)
		if err != nil {
			fmt.Printf("\nfailed to delete %s: %s\n", path2, err)
		}
	}

	Convey("ConfigLoad gives default values to start with", t, func() {
		config := internal.ConfigLoad("development", false, testLogger)
		So(config.ManagerPort, ShouldNotBeBlank)
		So(config.Source("ManagerPort"), ShouldEqual, internal.ConfigSourceDefault)
		So(config.ManagerUmask, ShouldEqual, 7)
		So(config.Source("ManagerUmask"), ShouldEqual, internal.ConfigSourceDefault)
		So(config.QueueRole, ShouldEqual, internal.RoleGlobal)
		So(config.QueueURL, ShouldEqual, "http://"+config.ManagerHost+":"+config.ManagerPort)
		So(config.MetricsDisabled, ShouldBeFalse)

		Convey("These can be overridden with Env Vars", func() {
			os.Setenv("WMQ_MANAGERPORT", "1234")
			os.Setenv("WMQ_MANAGERUMASK", "077")
			os.Setenv("WMQ_QUEUEROLE", "local")
			os.Setenv("WMQ_METRICSDISABLED", "true")
			defer func() {
				os.Unsetenv("WMQ_MANAGERPORT")
				os.Unsetenv("WMQ_MANAGERUMASK")
				os.Unsetenv("WMQ_QUEUEROLE")
				os.Unsetenv("WMQ_METRICSDISABLED")
			}()
			config = internal.ConfigLoad("development", false, testLogger)
			So(config.ManagerPort, ShouldEqual, "1234")
			So(config.Source("ManagerPort"), ShouldEqual, internal.ConfigSourceEnvVar)
			So(config.ManagerUmask, ShouldEqual, 77)
			So(config.Source("ManagerUmask"), ShouldEqual, internal.ConfigSourceEnvVar)
			So(config.IsLocal(), ShouldBeTrue)
			So(config.QueueURL, ShouldEqual, "http://"+config.ManagerHost+":1234")
			So(config.MetricsDisabled, ShouldBeTrue)
			So(config.Source("MetricsDisabled"), ShouldEqual, internal.ConfigSourceEnvVar)
		})

		Convey("These can be overridden with config files in WMQ_CONFIG_DIR", func() {
			dir, err := os.MkdirTemp("", "wmq_conf_test")
			So(err, ShouldBeNil)
			defer os.RemoveAll(dir)

			path, path2, err := fileTestSetup(dir, "1234", "global", "local")
			defer fileTestTeardown(path, path2)
			So(err, ShouldBeNil)

			os.Setenv("WMQ_CONFIG_DIR", dir)
			defer func() {
				os.Unsetenv("WMQ_CONFIG_DIR")
			}()

			config = internal.ConfigLoad("development", false, testLogger)
			So(config.ManagerPort, ShouldEqual, "1234")
			So(config.Source("ManagerPort"), ShouldEqual, path)
			So(config.QueueRole, ShouldEqual, internal.RoleLocal)
			So(config.Source("QueueRole"), ShouldEqual, path2)

			Convey("These can be overridden with config files in home dir", func() {
				realHome, err := os.UserHomeDir()
				So(err, ShouldBeNil)
				newHome, err := os.MkdirTemp(dir, "home")
				So(err, ShouldBeNil)
				os.Setenv("HOME", newHome)
				defer func() {
					os.Setenv("HOME", realHome)
				}()

				path3, path4, err := fileTestSetup(newHome, "1334", "local", "global")
				defer fileTestTeardown(path3, path4)
				So(err, ShouldBeNil)

				config = internal.ConfigLoad("development", false, testLogger)
				So(config.ManagerPort, ShouldEqual, "1334")
				So(config.Source("ManagerPort"), ShouldEqual, path3)
				So(config.QueueRole, ShouldEqual, internal.RoleGlobal)
				So(config.Source("QueueRole"), ShouldEqual, path4)

				Convey("The production file is not read in development", func() {
					path5 := filepath.Join(newHome, ".wmq_config.production.yml")
					err := os.WriteFile(path5, []byte("managerport: \"1434\"\n"), 0600)
					So(err, ShouldBeNil)
					defer os.Remove(path5)

					config = internal.ConfigLoad("development", false, testLogger)
					So(config.ManagerPort, ShouldEqual, "1334")

					config = internal.ConfigLoad("production", false, testLogger)
					So(config.ManagerPort, ShouldEqual, "1434")
					So(config.Source("ManagerPort"), ShouldEqual, path5)
				})
			})
		})

		Convey("Tilda in ManagerDir is converted to abs path", func() {
			home, err := os.UserHomeDir()
			So(err, ShouldBeNil)
			os.Setenv("WMQ_MANAGERDIR", "~/foo")
			defer func() {
				os.Unsetenv("WMQ_MANAGERDIR")
			}()

			config = internal.ConfigLoad("development", false, testLogger)
			So(config.ManagerDir, ShouldEqual, filepath.Join(home, "foo_development"))

			Convey("Relative paths are converted to paths inside ManagerDir", func() {
				os.Setenv("WMQ_MANAGERPIDFILE", "bar")
				defer func() {
					os.Unsetenv("WMQ_MANAGERPIDFILE")
				}()

				config = internal.ConfigLoad("development", false, testLogger)
				So(config.ManagerPidFile, ShouldEqual, filepath.Join(home, "foo_development", "bar"))
				So(config.ManagerDbFile, ShouldEqual, filepath.Join(home, "foo_development", "db"))
			})
		})
	})
}
