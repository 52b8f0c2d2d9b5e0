package runtime

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	configpkg "github.com/drblury/zmqflow/internal/runtime/config"
)

const (
	bannerDebugTitle      = "[Hot-Reload]. . . (Press CTRL+C to quit)"
	bannerProductionTitle = "Starting Server. . . (Press CTRL+C to quit)"

	colorMagenta = lipgloss.Color("5")
	colorGreen   = lipgloss.Color("2")
)

// Banner renders the startup banner for w. The colour profile follows w, so
// plain writers get plain text.
func Banner(w io.Writer, conf configpkg.Config) string {
	renderer := lipgloss.NewRenderer(w)

	title, color := bannerProductionTitle, colorGreen
	if conf.Debug {
		title, color = bannerDebugTitle, colorMagenta
	}
	titleStyle := renderer.NewStyle().Bold(true).Foreground(color)
	labelStyle := renderer.NewStyle().Foreground(color)

	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")
	line := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("* %-12s:", label)), value)
	}
	if conf.Debug {
		line("Debug Server", debugURL(conf))
	}
	line("ZMQ Backend", conf.Backend)
	line("ZMQ Frontend", conf.Frontend)
	line("Mode", conf.Mode)
	if conf.Relay.Enabled {
		line("Relay", conf.Relay.Sink)
	}
	return b.String()
}

func debugURL(conf configpkg.Config) string {
	host := conf.DebugHost
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, conf.DebugPort)
}

func (s *Server) printBanner() {
	fmt.Fprintln(s.out, Banner(s.out, s.Conf))
}
