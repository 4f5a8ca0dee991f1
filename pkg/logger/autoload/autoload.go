// Package autoload initializes the global logger from LOG_* environment
// variables as a side effect of being imported.
package autoload

import (
	configx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/pkg/config"
	logx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}
