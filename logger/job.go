package logger

import "fmt"

// JobLogger prefixes every line with the job it belongs to
type JobLogger struct {
	prefix string
}

// ForJob returns a logger whose lines start with "[job <id>]"
func ForJob(id string) JobLogger {
	return JobLogger{prefix: "[job " + id + "] "}
}

func (j JobLogger) Debugf(format string, v ...interface{}) {
	output(DEBUG, j.prefix+fmt.Sprintf(format, v...))
}

func (j JobLogger) Infof(format string, v ...interface{}) {
	output(INFO, j.prefix+fmt.Sprintf(format, v...))
}

func (j JobLogger) Warnf(format string, v ...interface{}) {
	output(WARN, j.prefix+fmt.Sprintf(format, v...))
}

func (j JobLogger) Errorf(format string, v ...interface{}) {
	output(ERROR, j.prefix+fmt.Sprintf(format, v...))
}
