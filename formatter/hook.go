package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextHook adds the source information to each log entry
type ContextHook struct {
	goModuleName string
}

// NewContextHook instantiates a new context hook
func NewContextHook() *ContextHook {
	hook := &ContextHook{}
	hook.goModuleName = hook.moduleName() + "/"
	return hook
}

// Levels returns the levels this hook fires on
func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire extends entry.Data with the source information
func (hook ContextHook) Fire(entry *logrus.Entry) error {
	src := hook.parseSrc(entry.Caller.File)
	entry.Data["source"] = fmt.Sprintf("%s:%v", src, entry.Caller.Line)
	return nil
}

func (hook ContextHook) moduleName() string {
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Path != "" {
		return info.Main.Path
	}

	return "updraft"
}

func (hook ContextHook) parseSrc(filePath string) string {
	modulePath := strings.SplitAfter(filePath, hook.goModuleName)
	if len(modulePath) > 1 {
		return modulePath[len(modulePath)-1]
	}

	// in case of forked repo
	modulePath = strings.SplitAfter(filePath, "updraft/")
	if len(modulePath) > 1 {
		return modulePath[len(modulePath)-1]
	}

	// in case if log entry is come from external pkg
	_, pkg := path.Split(path.Dir(filePath))
	file := path.Base(filePath)
	return fmt.Sprintf("%s/%s", pkg, file)
}
