// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString = "^time=[a-zA-Z0-9/:. +-]{20,35} severity=TRACE msg=\"TestLogs: www.traceExample.com\""
	textDebugString = "^time=[a-zA-Z0-9/:. +-]{20,35} severity=DEBUG msg=\"TestLogs: www.debugExample.com\""
	textInfoString  = "^time=[a-zA-Z0-9/:. +-]{20,35} severity=INFO msg=\"TestLogs: www.infoExample.com\""
	textWarnString  = "^time=[a-zA-Z0-9/:. +-]{20,35} severity=WARNING msg=\"TestLogs: www.warningExample.com\""
	textErrorString = "^time=[a-zA-Z0-9/:. +-]{20,35} severity=ERROR msg=\"TestLogs: www.errorExample.com\""

	jsonTraceString = "^{\"time\":\"[a-zA-Z0-9:.+-]*\",\"severity\":\"TRACE\",\"msg\":\"TestLogs: www.traceExample.com\"}"
	jsonDebugString = "^{\"time\":\"[a-zA-Z0-9:.+-]*\",\"severity\":\"DEBUG\",\"msg\":\"TestLogs: www.debugExample.com\"}"
	jsonInfoString  = "^{\"time\":\"[a-zA-Z0-9:.+-]*\",\"severity\":\"INFO\",\"msg\":\"TestLogs: www.infoExample.com\"}"
	jsonWarnString  = "^{\"time\":\"[a-zA-Z0-9:.+-]*\",\"severity\":\"WARNING\",\"msg\":\"TestLogs: www.warningExample.com\"}"
	jsonErrorString = "^{\"time\":\"[a-zA-Z0-9:.+-]*\",\"severity\":\"ERROR\",\"msg\":\"TestLogs: www.errorExample.com\"}"
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

// //////////////////////////////////////////////////////////////////////
// Boilerplate
// //////////////////////////////////////////////////////////////////////

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	var lv slog.LevelVar
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, &lv, "TestLogs: "))
	setLoggingLevel(level, &lv)
}

func fetchLogOutputForSpecifiedSeverityLevel(level string, functions []func()) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var output []string
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func allSeverityLogFuncs() []func() {
	return []func(){
		func() { Tracef("www.%sExample.com", "trace") },
		func() { Debugf("www.%sExample.com", "debug") },
		func() { Infof("www.%sExample.com", "info") },
		func() { Warnf("www.%sExample.com", "warning") },
		func() { Errorf("www.%sExample.com", "error") },
	}
}

// //////////////////////////////////////////////////////////////////////
// Tests
// //////////////////////////////////////////////////////////////////////

func (t *LoggerTest) TestTraceLevelLogsEverythingAsText() {
	defaultLoggerFactory.format = "text"
	output := fetchLogOutputForSpecifiedSeverityLevel(SeverityTrace, allSeverityLogFuncs())

	assert.Regexp(t.T(), regexp.MustCompile(textTraceString), output[0])
	assert.Regexp(t.T(), regexp.MustCompile(textDebugString), output[1])
	assert.Regexp(t.T(), regexp.MustCompile(textInfoString), output[2])
	assert.Regexp(t.T(), regexp.MustCompile(textWarnString), output[3])
	assert.Regexp(t.T(), regexp.MustCompile(textErrorString), output[4])
}

func (t *LoggerTest) TestTraceLevelLogsEverythingAsJson() {
	defaultLoggerFactory.format = "json"
	output := fetchLogOutputForSpecifiedSeverityLevel(SeverityTrace, allSeverityLogFuncs())

	assert.Regexp(t.T(), regexp.MustCompile(jsonTraceString), output[0])
	assert.Regexp(t.T(), regexp.MustCompile(jsonDebugString), output[1])
	assert.Regexp(t.T(), regexp.MustCompile(jsonInfoString), output[2])
	assert.Regexp(t.T(), regexp.MustCompile(jsonWarnString), output[3])
	assert.Regexp(t.T(), regexp.MustCompile(jsonErrorString), output[4])
}

func (t *LoggerTest) TestErrorLevelSuppressesLowerSeverities() {
	defaultLoggerFactory.format = "json"
	output := fetchLogOutputForSpecifiedSeverityLevel(SeverityError, allSeverityLogFuncs())

	assert.Empty(t.T(), output[0])
	assert.Empty(t.T(), output[1])
	assert.Empty(t.T(), output[2])
	assert.Empty(t.T(), output[3])
	assert.Regexp(t.T(), regexp.MustCompile(jsonErrorString), output[4])
}

func (t *LoggerTest) TestOffLevelSuppressesEverything() {
	defaultLoggerFactory.format = "json"
	output := fetchLogOutputForSpecifiedSeverityLevel(SeverityOff, allSeverityLogFuncs())

	for _, o := range output {
		assert.Empty(t.T(), o)
	}
}

func (t *LoggerTest) TestLevelToSeverityRoundTrip() {
	for _, s := range []string{SeverityTrace, SeverityDebug, SeverityInfo, SeverityWarning, SeverityError} {
		assert.Equal(t.T(), s, levelToSeverity(severityToLevel(s)))
	}
}

func (t *LoggerTest) TestSeverityToLevelUnknownDefaultsToInfo() {
	assert.Equal(t.T(), LevelInfo, severityToLevel("bogus"))
}
