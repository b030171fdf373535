// Package console implements the line-oriented operator console: commands
// arrive as text lines and each gets a single OK or ERR line back.
package console

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/sweeney/power-meter/internal/hlw"
)

// Meter is the part of the engine the console drives.
type Meter interface {
	Readings() hlw.Readings
	StartCalibration(kind hlw.Kind, samples int) error
	SetCalibration(kind hlw.Kind, displayed, reference, ratio float64) (float64, error)
	SetMode(sel hlw.Selection, intervalMs uint32) (hlw.Mode, error)
	Configure(t [3]hlw.Tuning)
	Tunings() [3]hlw.Tuning
	ResetEnergy(id hlw.CounterID) error
	FlushEnergy() (bool, error)
	SetDimLevel(level int) error
}

const help = "commands: calibrate <ch> <samples> | calibrate <ch> <displayed> <reference> [ratio] | " +
	"mode <voltage|current|cycle>[,ms] | config <p_int> <p_avg> <v_int> <v_avg> <c_int> <c_avg> | " +
	"reset | save | status | dim <level>"

// Console executes commands against a Meter and writes responses to out.
// It is not safe for concurrent use; call it from the loop goroutine.
type Console struct {
	meter Meter
	out   io.Writer

	// onChange runs after a command altered settings worth persisting.
	onChange func()
}

// New returns a console. onChange may be nil.
func New(m Meter, out io.Writer, onChange func()) *Console {
	return &Console{meter: m, out: out, onChange: onChange}
}

// Handle executes one line and writes its response.
func (c *Console) Handle(line string) {
	if resp := c.Execute(line); resp != "" {
		fmt.Fprintln(c.out, resp)
	}
}

// ReportCalibration writes the outcome of a live-sampling run.
func (c *Console) ReportCalibration(res hlw.CalResult) {
	if res.Err != nil {
		fmt.Fprintf(c.out, "ERR %s calibration: %v\n", res.Kind, res.Err)
		return
	}
	fmt.Fprintf(c.out, "OK %s calibration: raw average %.4f over %d samples\n", res.Kind, res.Average, res.Count)
}

// Execute runs one command and returns the response line. Blank lines
// return "".
func (c *Console) Execute(line string) string {
	args := fields(line)
	if len(args) == 0 {
		return ""
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	var (
		resp string
		err  error
	)
	switch cmd {
	case "calibrate", "cal":
		resp, err = c.calibrate(args)
	case "mode":
		resp, err = c.mode(args)
	case "config":
		resp, err = c.config(args)
	case "reset":
		err = c.meter.ResetEnergy(hlw.CounterPartial)
		resp = "partial energy reset"
	case "save":
		resp, err = c.save()
	case "status":
		resp = FormatReadings(c.meter.Readings())
	case "dim":
		resp, err = c.dim(args)
	case "help", "?":
		resp = help
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return "ERR " + err.Error()
	}
	return "OK " + resp
}

// fields splits on spaces and commas.
func fields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\r' || r == '\n'
	})
}

var errUsage = errors.New("usage")

func (c *Console) calibrate(args []string) (string, error) {
	if len(args) < 2 || len(args) > 4 {
		return "", fmt.Errorf("%w: calibrate <ch> <samples> | calibrate <ch> <displayed> <reference> [ratio]", errUsage)
	}
	kind, err := hlw.ParseKind(args[0])
	if err != nil {
		return "", err
	}

	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid sample count %q", args[1])
		}
		if err := c.meter.StartCalibration(kind, n); err != nil {
			return "", err
		}
		r := c.meter.Readings()
		return fmt.Sprintf("calibrating %s: %d samples, mode %s", kind, n, r.Mode), nil
	}

	vals := make([]float64, 3)
	for i, a := range args[1:] {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return "", fmt.Errorf("invalid number %q", a)
		}
		vals[i] = v
	}
	k, err := c.meter.SetCalibration(kind, vals[0], vals[1], vals[2])
	if err != nil {
		return "", err
	}
	c.changed()
	return fmt.Sprintf("%s calibration %.6g", kind, k), nil
}

func (c *Console) mode(args []string) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", fmt.Errorf("%w: mode <voltage|current|cycle>[,ms]", errUsage)
	}
	sel, err := hlw.ParseSelection(args[0])
	if err != nil {
		return "", err
	}
	var interval uint64
	if len(args) == 2 {
		interval, err = strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid interval %q", args[1])
		}
	}
	m, err := c.meter.SetMode(sel, uint32(interval))
	if err != nil {
		return "", err
	}
	c.changed()
	return fmt.Sprintf("mode %s, active %s", sel, m), nil
}

func (c *Console) config(args []string) (string, error) {
	if len(args) != 6 {
		return "", fmt.Errorf("%w: config <p_int> <p_avg> <v_int> <v_avg> <c_int> <c_avg>", errUsage)
	}
	var v [6]uint32
	for i, a := range args {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid value %q", a)
		}
		v[i] = uint32(n)
	}
	for i := 0; i < 6; i += 2 {
		if v[i] == 0 {
			return "", fmt.Errorf("%s integration time must be positive", hlw.Kinds[i/2])
		}
	}

	t := c.meter.Tunings()
	for i := range t {
		t[i].IntTime, t[i].AvgDepth = v[2*i], v[2*i+1]
	}
	c.meter.Configure(t)
	c.changed()
	return fmt.Sprintf("config power %d/%d voltage %d/%d current %d/%d", v[0], v[1], v[2], v[3], v[4], v[5]), nil
}

func (c *Console) save() (string, error) {
	wrote, err := c.meter.FlushEnergy()
	if err != nil {
		return "", err
	}
	if !wrote {
		return "energy unchanged", nil
	}
	return "energy saved", nil
}

func (c *Console) dim(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: dim <level>", errUsage)
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("invalid level %q", args[0])
	}
	if err := c.meter.SetDimLevel(level); err != nil {
		return "", err
	}
	return fmt.Sprintf("dim %d", level), nil
}

func (c *Console) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// FormatReadings renders readings as one status line.
func FormatReadings(r hlw.Readings) string {
	s := fmt.Sprintf("power=%s W voltage=%s V current=%s A pf=%s total=%s kWh partial=%s kWh mode=%s/%s noise=%.3f",
		num(r.Power, 1), num(r.Voltage, 1), num(r.Current, 3), num(r.PowerFactor, 2),
		num(r.EnergyTotal, 3), num(r.EnergyPartial, 3), r.Selection, r.Mode, r.Noise)
	if r.Noisy {
		s += " noisy"
	}
	if r.Calibrating != hlw.CalIdle {
		s += " calibration=" + r.Calibrating.String()
	}
	return s
}

func num(v float64, digits int) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'f', digits, 64)
}
