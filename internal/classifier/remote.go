package classifier

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"math"
	"strings"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/httpclient"
)

const remoteClassifyPath = "/classify"

// remoteRequest is the body posted to the analyzer service. Samples are
// little endian float32 PCM, base64 encoded.
type remoteRequest struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Samples    string  `json:"samples"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
	Date       string  `json:"date,omitempty"`
}

type remoteResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// Remote sends segments to an external analyzer over HTTP.
type Remote struct {
	client  *httpclient.Client
	baseURL string
}

// NewRemote builds a remote classifier for baseURL using client.
func NewRemote(baseURL string, client *httpclient.Client) *Remote {
	return &Remote{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Classify(ctx context.Context, seg Segment, cc Context) ([]Prediction, error) {
	req := remoteRequest{
		SampleRate: seg.SampleRate,
		Channels:   seg.Channels,
		Start:      seg.Start,
		End:        seg.End,
		Samples:    encodeSamples(seg.Samples),
	}
	if cc.HasLocation {
		req.Latitude, req.Longitude = cc.Latitude, cc.Longitude
	}
	if !cc.Date.IsZero() {
		req.Date = cc.Date.UTC().Format("2006-01-02T15:04:05Z")
	}

	var resp remoteResponse
	if err := r.client.PostJSON(ctx, r.baseURL+remoteClassifyPath, req, &resp); err != nil {
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryAudioAnalysis).
			Context("classifier", "remote").
			Build()
	}
	for _, p := range resp.Predictions {
		if p.Species == "" || math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return nil, errors.Newf("remote classifier returned invalid prediction %q (%v)", p.Species, p.Confidence).
				Component("classifier").
				Category(errors.CategoryAudioAnalysis).
				Build()
		}
	}
	return resp.Predictions, nil
}

func encodeSamples(samples []float32) string {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
