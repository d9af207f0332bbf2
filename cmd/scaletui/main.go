// Command scaletui is a terminal dashboard for the spool scale. It runs the
// measurement loop in-process and accepts tare, calibrate and clear keys.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/CK6170/Spoolscale-go/config"
	"github.com/CK6170/Spoolscale-go/internal/app"
	"github.com/CK6170/Spoolscale-go/internal/logging"
	"github.com/CK6170/Spoolscale-go/scale"
)

type screen int

const (
	screenLive screen = iota
	screenWeight
)

// commands is what the dashboard drives; *scale.Controller in production.
type commands interface {
	Tare()
	Clear()
	Calibrate(knownWeight float64) error
}

type model struct {
	scr screen

	weightInput textinput.Model

	cmds     commands
	readings <-chan scale.Reading
	done     <-chan error

	last     *scale.Reading
	lastAt   time.Time
	calib    scale.Calibration
	infoLine string
	lastErr  error
	stopped  bool
	now      func() time.Time
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	weightStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).
			Border(lipgloss.RoundedBorder()).Padding(0, 2)
)

func newModel(cmds commands, readings <-chan scale.Reading, done <-chan error, knownWeight float64) model {
	in := textinput.New()
	in.Placeholder = "Reference weight in grams"
	in.CharLimit = 16
	in.Width = 24
	if knownWeight > 0 {
		in.SetValue(strconv.FormatFloat(knownWeight, 'g', -1, 64))
	}
	return model{
		scr:         screenLive,
		weightInput: in,
		cmds:        cmds,
		readings:    readings,
		done:        done,
		now:         time.Now,
	}
}

type readingMsg struct{ r scale.Reading }
type loopDoneMsg struct{ err error }
type calibrationMsg struct{ c scale.Calibration }

func waitForReading(ch <-chan scale.Reading) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return nil
		}
		return readingMsg{r: r}
	}
}

func waitForLoop(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return loopDoneMsg{err: <-ch}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForReading(m.readings), waitForLoop(m.done))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.scr {
		case screenLive:
			return m.updateLiveKey(msg)
		case screenWeight:
			return m.updateWeightKey(msg)
		}

	case readingMsg:
		r := msg.r
		m.last = &r
		m.calib.Tared, m.calib.Scaled = true, true
		m.lastAt = m.now()
		m.lastErr = nil
		return m, waitForReading(m.readings)

	case calibrationMsg:
		m.calib = msg.c
		return m, nil

	case loopDoneMsg:
		m.stopped = true
		if msg.err != nil {
			m.lastErr = msg.err
			m.infoLine = "Measurement loop stopped."
		}
		return m, nil
	}

	if m.scr == screenWeight {
		var cmd tea.Cmd
		m.weightInput, cmd = m.weightInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) updateLiveKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.stopped {
		if k.String() == "q" || k.String() == "esc" {
			return m, tea.Quit
		}
		return m, nil
	}
	switch k.String() {
	case "q", "esc":
		return m, tea.Quit
	case "t":
		m.cmds.Tare()
		m.infoLine = "Tare queued, keep the platform empty."
	case "x":
		m.cmds.Clear()
		m.infoLine = "History clear queued."
	case "c":
		m.scr = screenWeight
		m.weightInput.Focus()
		m.weightInput.CursorEnd()
		return m, textinput.Blink
	}
	return m, nil
}

func (m model) updateWeightKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "esc":
		m.scr = screenLive
		m.weightInput.Blur()
		return m, nil
	case "enter":
		w, err := strconv.ParseFloat(strings.TrimSpace(m.weightInput.Value()), 64)
		if err != nil || w <= 0 {
			m.lastErr = fmt.Errorf("reference weight must be a positive number")
			return m, nil
		}
		if err := m.cmds.Calibrate(w); err != nil {
			m.lastErr = err
			return m, nil
		}
		m.scr = screenLive
		m.weightInput.Blur()
		m.lastErr = nil
		m.infoLine = fmt.Sprintf("Calibration with %g g queued, place the weight now.", w)
		return m, nil
	}
	var cmd tea.Cmd
	m.weightInput, cmd = m.weightInput.Update(k)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Spool Scale") + "\n")
	b.WriteString(helpStyle.Render("t tare  c calibrate  x clear history  q quit") + "\n\n")
	if m.infoLine != "" {
		b.WriteString(okStyle.Render(m.infoLine) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(errStyle.Render("Error: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString("\n")

	switch m.scr {
	case screenLive:
		b.WriteString(m.viewLive())
	case screenWeight:
		b.WriteString("Reference weight (g):\n")
		b.WriteString(m.weightInput.View() + "\n\n")
		b.WriteString(helpStyle.Render("Enter to calibrate, Esc to cancel.") + "\n")
	}
	return b.String()
}

func (m model) viewLive() string {
	var b strings.Builder
	if m.last == nil {
		b.WriteString("Waiting for the first measurement...\n")
		if !m.calib.Complete() {
			b.WriteString(helpStyle.Render("The scale is not calibrated yet: tare with t, then calibrate with c.") + "\n")
		}
		return b.String()
	}
	r := m.last
	b.WriteString(weightStyle.Render(r.Estimate.String()+" g") + "\n\n")
	fmt.Fprintf(&b, "Samples:      %d\n", r.Samples)
	fmt.Fprintf(&b, "History:      %d measurements\n", r.History)
	fmt.Fprintf(&b, "Trend:        %.1f g (σ %.2f g)\n", r.Trend, r.TrendSigma)
	if r.HasTimeToEmpty {
		fmt.Fprintf(&b, "Empty:        %s\n", humanize.RelTime(r.Time.Add(r.TimeToEmpty), r.Time, "ago", "from now"))
	} else {
		b.WriteString("Empty:        not consuming\n")
	}
	if r.HasLength {
		fmt.Fprintf(&b, "Filament:     %s m\n", humanize.CommafWithDigits(r.LengthM, 1))
	}
	fmt.Fprintf(&b, "\n%s\n", helpStyle.Render("Updated "+humanize.RelTime(m.lastAt, m.now(), "ago", "from now")))
	return b.String()
}

func loadConfig() (*config.Config, error) {
	path := ""
	if len(os.Args) > 1 {
		path = strings.TrimSpace(os.Args[1])
	}
	return config.Load(path)
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// the dashboard owns the terminal, so logs go to a file next to the state
	logFile, err := os.OpenFile(cfg.State+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	lc, err := logging.FromStrings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	lc.Output = logFile
	logger := logging.Setup(lc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := a.Machine()
	if err != nil {
		return err
	}
	srv := a.Server(m)

	readings := make(chan scale.Reading, 8)
	m.Subscribe(func(r scale.Reading) {
		select {
		case readings <- r:
		default:
		}
	})
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- a.Run(ctx, m, srv)
	}()

	known, _ := a.KnownWeight()
	p := tea.NewProgram(newModel(a.Controller, readings, done, known), tea.WithAltScreen())
	a.Settings.OnChange(func(map[string]string) {
		p.Send(calibrationMsg{c: a.Calibrator.Model()})
	})
	go p.Send(calibrationMsg{c: a.Calibrator.Model()})

	_, err = p.Run()
	cancel()
	<-finished
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
