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

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	. "github.com/smartystreets/goconvey/convey"
)

func TestConfig(t *testing.T) {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())

	Convey("With a temporary home and config dir", t, func() {
		origHome := os.Getenv("HOME")
		origDir, err := os.Getwd()
		So(err, ShouldBeNil)

		tempHome, err := os.MkdirTemp("", "wmq_config_test_home")
		So(err, ShouldBeNil)
		tempPwd, err := os.MkdirTemp("", "wmq_config_test_pwd")
		So(err, ShouldBeNil)
		os.Setenv("HOME", tempHome)
		So(os.Chdir(tempPwd), ShouldBeNil)

		defer func() {
			os.Setenv("HOME", origHome)
			os.Chdir(origDir)
			os.RemoveAll(tempHome)
			os.RemoveAll(tempPwd)
			os.Unsetenv("WMQ_MANAGERPORT")
			os.Unsetenv("WMQ_SITETHRESHOLDS")
		}()

		Convey("Defaults are used when nothing else is set", func() {
			config, err := configLoad(Development, false, logger)
			So(err, ShouldBeNil)
			So(config.ManagerHost, ShouldEqual, "localhost")
			So(config.Backend, ShouldEqual, "bolt")
			So(config.JobsPerElement, ShouldEqual, 1)
			So(config.Deployment, ShouldEqual, Development)
			So(config.ManagerDir, ShouldEqual, filepath.Join(tempHome, ".wmq_development"))
			So(config.ManagerDbFile, ShouldEqual, filepath.Join(config.ManagerDir, "db"))
			So(config.ManagerPort, ShouldNotBeEmpty)
			So(config.QueueURL, ShouldEqual, "http://localhost:"+config.ManagerPort)
			So(config.Source("Backend"), ShouldEqual, ConfigSourceDefault)
			So(config.IsDevelopment(), ShouldBeTrue)
			So(config.IsLocal(), ShouldBeFalse)
		})

		Convey("Env vars override defaults, and files are layered home then pwd", func() {
			os.Setenv("WMQ_MANAGERPORT", "2000")
			config, err := configLoad(Development, false, logger)
			So(err, ShouldBeNil)
			So(config.ManagerPort, ShouldEqual, "2000")
			So(config.Source("ManagerPort"), ShouldEqual, ConfigSourceEnvVar)
			os.Unsetenv("WMQ_MANAGERPORT")

			homeFile := filepath.Join(tempHome, ".wmq_config.yml")
			err = os.WriteFile(homeFile, []byte("managerport: \"3000\"\nqueuerole: local\n"), 0600)
			So(err, ShouldBeNil)
			config, err = configLoad(Development, false, logger)
			So(err, ShouldBeNil)
			So(config.ManagerPort, ShouldEqual, "3000")
			So(config.Source("ManagerPort"), ShouldEqual, homeFile)
			So(config.IsLocal(), ShouldBeTrue)

			pwdFile := filepath.Join(tempPwd, ".wmq_config.development.yml")
			err = os.WriteFile(pwdFile, []byte("managerport: \"4000\"\n"), 0600)
			So(err, ShouldBeNil)
			config, err = configLoad(Development, false, logger)
			So(err, ShouldBeNil)
			So(config.ManagerPort, ShouldEqual, "4000")
			So(config.Source("ManagerPort"), ShouldEqual, pwdFile)
			So(config.Source("QueueRole"), ShouldEqual, homeFile)

			Convey("And the production deployment file is ignored in development", func() {
				prodFile := filepath.Join(tempPwd, ".wmq_config.production.yml")
				err = os.WriteFile(prodFile, []byte("managerport: \"5000\"\n"), 0600)
				So(err, ShouldBeNil)
				config, err = configLoad(Development, false, logger)
				So(err, ShouldBeNil)
				So(config.ManagerPort, ShouldEqual, "4000")
			})

			Convey("String() renders a table of values and sources", func() {
				str := config.String()
				So(str, ShouldContainSubstring, "ManagerPort")
				So(str, ShouldContainSubstring, "4000")
				So(str, ShouldContainSubstring, pwdFile)
			})
		})

		Convey("Site thresholds can be parsed", func() {
			os.Setenv("WMQ_SITETHRESHOLDS", "SiteA:100,SiteB:20")
			config, err := configLoad(Development, false, logger)
			So(err, ShouldBeNil)
			thresholds, err := config.Thresholds()
			So(err, ShouldBeNil)
			So(thresholds, ShouldResemble, map[string]int{"SiteA": 100, "SiteB": 20})

			config.SiteThresholds = "SiteA"
			_, err = config.Thresholds()
			So(err, ShouldNotBeNil)

			config.SiteThresholds = "SiteA:-1"
			_, err = config.Thresholds()
			So(err, ShouldNotBeNil)
		})
	})
}

func TestUtils(t *testing.T) {
	Convey("TildaToHome expands ~/", t, func() {
		home, err := os.UserHomeDir()
		So(err, ShouldBeNil)
		So(TildaToHome("~/foo"), ShouldEqual, filepath.Join(home, "foo"))
		So(TildaToHome("/abs/foo"), ShouldEqual, "/abs/foo")
	})

	Convey("SortMapKeysByIntValue sorts by value then key", t, func() {
		m := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}
		So(SortMapKeysByIntValue(m, false), ShouldResemble, []string{"d", "a", "b", "c"})
		So(SortMapKeysByIntValue(m, true), ShouldResemble, []string{"c", "a", "b", "d"})
	})

	Convey("DedupSortStrings removes blanks and duplicates", t, func() {
		So(DedupSortStrings([]string{"b", "", "a", "b"}), ShouldResemble, []string{"a", "b"})
		So(DedupSortStrings(nil), ShouldBeNil)
	})

	Convey("LogPanic logs a recovered panic without dying", t, func() {
		store := l15h.NewStore()
		logger := log15.New()
		logger.SetHandler(l15h.StoreHandler(store, log15.LogfmtFormat()))

		func() {
			defer LogPanic(logger, "test", false)
			panic(errors.New("oops"))
		}()

		logs := store.Logs()
		So(len(logs), ShouldEqual, 1)
		So(logs[0], ShouldContainSubstring, "test panic")
		So(logs[0], ShouldContainSubstring, "oops")
	})
}
