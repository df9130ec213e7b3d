package seqlens

import (
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"import":       &importer{},
		"merge":        &merger{},
		"stats":        &statscmd{},
		"filter":       &filtercmd{},
		"norm":         &normcmd{},
		"pca":          &pcacmd{},
		"topvar":       &topvarcmd{},
		"difftest":     &difftestcmd{},
		"export":       &exporter{},
		"export-numpy": &exportNumpy{},
		"plot":         &plotcmd{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
