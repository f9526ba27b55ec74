package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/version"
)

var (
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	bold      = lipgloss.NewStyle().Bold(true)
	headerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("14")).
			Padding(0, 1)
)

func showHeader(w io.Writer, cfg *config.Config) {
	body := fmt.Sprintf("%s %s\n%s %s\n%s %s",
		bold.Render(version.AppName), gray.Render(version.Short()),
		cyan.Render("local "), cfg.LocalDir,
		cyan.Render(fmt.Sprintf("%-6s", cfg.Protocol.Upper())), remoteURL(cfg),
	)
	fmt.Fprintln(w, headerBox.Render(body))
}

func remoteURL(cfg *config.Config) string {
	dir := cfg.RemoteDir
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	return fmt.Sprintf("%s://%s@%s%s", cfg.Protocol, cfg.Username, cfg.Addr(), dir)
}
