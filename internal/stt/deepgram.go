package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/loqalabs/loqa-meet/internal/audio"
)

type deepgramRecognizer struct {
	rest *api.Client
}

// NewDeepgramRecognizer sends raw linear16 PCM to Deepgram's prerecorded
// API. endpoint overrides the host; any path on it is ignored.
func NewDeepgramRecognizer(endpoint, apiKey string, httpClient *http.Client) (Recognizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("deepgram api key is required")
	}
	rc := client.NewREST(apiKey, &interfaces.ClientOptions{Host: endpoint})
	if rc == nil {
		return nil, errors.New("deepgram client options rejected")
	}
	if httpClient != nil {
		if httpClient.Transport != nil {
			rc.HTTPClient.Client.Transport = httpClient.Transport
		}
		rc.HTTPClient.Client.Timeout = httpClient.Timeout
	}
	return &deepgramRecognizer{rest: api.New(rc)}, nil
}

func (d *deepgramRecognizer) Transcribe(ctx context.Context, pcm []byte, opts Options) (TranscriptResult, error) {
	sampleRate, channels := opts.SampleRate, opts.Channels
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if channels <= 0 {
		channels = audio.Channels
	}
	res, err := d.rest.FromStream(ctx, bytes.NewReader(pcm), &interfaces.PreRecordedTranscriptionOptions{
		Encoding:    "linear16",
		SampleRate:  sampleRate,
		Channels:    channels,
		Model:       opts.Model,
		Language:    opts.Language,
		SmartFormat: true,
		Punctuate:   true,
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("deepgram transcribe: %w", err)
	}
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		return TranscriptResult{}, nil
	}
	alt := res.Results.Channels[0].Alternatives[0]
	return TranscriptResult{Text: strings.TrimSpace(alt.Transcript), Confidence: alt.Confidence}, nil
}
