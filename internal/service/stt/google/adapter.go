// Package google provides a Google Cloud Speech-to-Text upstream adapter.
package google

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/service/stt"
)

const (
	Name = "google"

	drainTimeout = 2 * time.Second
)

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text streaming recognition.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Adapter struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	events *stt.Stream

	mu         sync.Mutex
	configured bool
	closing    bool

	cancel   context.CancelFunc
	recvDone chan struct{}
}

// New creates a new Google STT adapter for one streaming session.
func New() *Adapter {
	return &Adapter{
		events:   stt.NewStream(64),
		recvDone: make(chan struct{}),
	}
}

// Factory returns an stt.Factory producing Google adapters.
func Factory() stt.Factory {
	return func() stt.Adapter { return New() }
}

func (a *Adapter) Name() string { return Name }

// Start opens a streaming recognition session.
func (a *Adapter) Start(ctx context.Context) error {
	c, err := speech.NewClient(ctx)
	if err != nil {
		err = classify(err, "stt.google.Start")
		a.events.Finish(err)
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		_ = c.Close()
		err = classify(err, "stt.google.Start")
		a.events.Finish(err)
		return err
	}
	a.client = c
	a.stream = stream
	a.cancel = cancel

	go a.recvLoop()
	return nil
}

// BuildStreamingConfig renders params as the first streaming request.
func BuildStreamingConfig(p stt.Params) *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(p.AudioEncoding),
			SampleRateHertz:            int32(p.SampleRateHz),
			LanguageCode:               p.Language,
			Model:                      p.Model,
			EnableAutomaticPunctuation: true,
		},
		InterimResults: p.InterimResults,
	}
}

// Configure sends the streaming config as the first message.
func (a *Adapter) Configure(ctx context.Context, p stt.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil || a.closing {
		return errs.E(errs.CodeProtocol, "stt.google.Configure", "connection not open", nil)
	}
	if a.configured {
		return errs.E(errs.CodeProtocol, "stt.google.Configure", "already configured", nil)
	}
	err := a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: BuildStreamingConfig(p),
		},
	})
	if err != nil {
		return classify(err, "stt.google.Configure")
	}
	a.configured = true
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.configured || a.closing {
		return errs.E(errs.CodeProtocol, "stt.google.SendAudio", "audio before configuration", nil)
	}
	err := a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame,
		},
	})
	if err != nil {
		return classify(err, "stt.google.SendAudio")
	}
	return nil
}

// recvLoop receives responses and converts them to normalized events.
func (a *Adapter) recvLoop() {
	defer close(a.recvDone)
	for {
		resp, err := a.stream.Recv()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			a.events.Finish(recvErr(err, closing))
			return
		}
		for _, ev := range convert(resp) {
			a.events.Emit(ev)
		}
	}
}

func convert(resp *speechpb.StreamingRecognizeResponse) []stt.Event {
	var out []stt.Event
	if st := resp.GetError(); st != nil && st.GetCode() != 0 {
		out = append(out, stt.Event{
			Type: stt.EventError,
			Err:  errs.E(errs.CodeProtocol, "stt.google", st.GetMessage(), nil),
		})
	}
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		out = append(out, stt.Event{
			Type: stt.EventTranscript,
			Transcript: models.TranscriptEvent{
				Text:       alt.GetTranscript(),
				IsFinal:    r.GetIsFinal(),
				Confidence: float64(alt.GetConfidence()),
				Timestamp:  time.Now().UnixMilli(),
			},
		})
	}
	if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
		out = append(out, stt.Event{Type: stt.EventSpeechStopped})
	}
	return out
}

// recvErr maps a Recv error to the close reason. The service ends streams on its
// own after a duration limit, which counts as an unexpected close.
func recvErr(err error, closing bool) error {
	if closing {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return errs.E(errs.CodeUpstreamConnect, "stt.google.recv", "provider ended the stream", err)
	}
	return classify(err, "stt.google.recv")
}

// classify maps gRPC status codes onto the error taxonomy.
func classify(err error, op string) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errs.E(errs.CodeUnauthorized, op, "provider rejected credentials", err)
	case codes.InvalidArgument:
		return errs.E(errs.CodeProtocol, op, "provider rejected the request", err)
	case codes.ResourceExhausted:
		return errs.E(errs.CodeUpstreamConnect, op, "provider quota exhausted", err)
	default:
		return errs.E(errs.CodeUpstreamConnect, op, "provider stream failed", err)
	}
}

func (a *Adapter) Events() <-chan stt.Event { return a.events.Events() }

func (a *Adapter) Err() error { return a.events.Err() }

// Close half-closes the stream, waits briefly for the service to finish, then
// releases the client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	stream := a.stream
	a.mu.Unlock()

	a.events.Abandon()
	if stream == nil {
		a.events.Finish(nil)
		return nil
	}
	_ = stream.CloseSend()
	select {
	case <-a.recvDone:
	case <-time.After(drainTimeout):
	}
	a.cancel()
	<-a.recvDone
	return a.client.Close()
}

// parseAudioEncoding converts an encoding name to the API enum. Unknown names fall
// back to LINEAR16.
func parseAudioEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToUpper(enc) {
	case "LINEAR16", "PCM16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
