package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg" // registers the png format

	"github.com/MIGO-OvO/TSL1401CL/internal/acquisition"
	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
	"github.com/MIGO-OvO/TSL1401CL/internal/httputil"
)

// spectrumChart renders the latest frame as an echarts line chart. Before the
// first frame the series is flat at zero.
func (s *Server) spectrumChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	latest := s.c.Latest()
	values := make([]int, frame.ProcessedLength)
	subtitle := "no frame captured yet"
	if latest != nil {
		copy(values, latest.Processed)
		subtitle = fmt.Sprintf("%s | frame %d at %s", latest.Stats, latest.Seq, latest.Time.Format(time.RFC3339))
	}

	x := make([]int, len(values))
	data := make([]opts.LineData, len(values))
	for i, v := range values {
		x[i] = i
		data[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "TSL1401CL Spectrum", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Spectrum", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Pixel", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Intensity", Min: 0, Max: frame.MaxValue}),
	)
	line.SetXAxis(x).AddSeries("intensity", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// spectrumPNG renders the latest frame as a PNG image.
func (s *Server) spectrumPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	latest := s.c.Latest()
	if latest == nil {
		httputil.NotFound(w, "no frame captured yet")
		return
	}

	img, err := renderSpectrum(latest)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(img)
}

func renderSpectrum(u *acquisition.FrameUpdate) ([]byte, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Spectrum #%d: %s", u.Seq, u.Stats)
	p.X.Label.Text = "Pixel"
	p.Y.Label.Text = "Intensity"
	p.X.Min, p.X.Max = 0, float64(frame.ProcessedLength-1)
	p.Y.Min, p.Y.Max = 0, frame.MaxValue
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(u.Processed))
	for i, v := range u.Processed {
		pts[i] = plotter.XY{X: float64(i), Y: float64(v)}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(line)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
