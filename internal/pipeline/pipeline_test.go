package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/swarmguard/translate-queue/internal/engine"
	"github.com/swarmguard/translate-queue/internal/task"
)

type fakeSTT struct {
	text string
	err  error
}

func (f fakeSTT) Transcribe(ctx context.Context, audioPath string) (engine.STTResult, error) {
	if f.err != nil {
		return engine.STTResult{}, f.err
	}
	return engine.STTResult{Text: f.text, Segments: []engine.STTSegment{{Start: 0, End: 1, Text: f.text}}}, nil
}

type fakeMT struct {
	calls int
	err   error
}

func (f *fakeMT) Translate(ctx context.Context, text, source, target string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("[%s]%s", target, text), nil
}

func newTask() *task.Task {
	return &task.Task{
		TaskID:          "t1",
		SourceLanguage:  "en",
		TargetLanguages: []string{"ja", "zh"},
		AudioFiles:      []string{"a.mp3", "b.mp3"},
		TextData:        map[string]string{},
	}
}

func TestRunHappyPath(t *testing.T) {
	stt := fakeSTT{text: "hello world"}
	mt := &fakeMT{}
	p := New(stt, mt, engine.NewLevenshteinWER(), 0.3, 2)

	packed, err := p.Run(context.Background(), newTask(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if packed["en"]["a"].TEXT != "" {
		t.Fatalf("expected empty TEXT when no reference is supplied, got %+v", packed["en"]["a"])
	}
	if packed["en"]["a"].AUDIO == nil || packed["en"]["a"].AUDIO.Text != "hello world" {
		t.Fatalf("expected AUDIO to carry the raw transcription: %+v", packed["en"]["a"])
	}
	if packed["ja"]["a"].TRANSLATION != "[ja]hello world" {
		t.Fatalf("unexpected translation: %+v", packed["ja"])
	}
	if mt.calls != 4 { // 2 files * 2 target languages
		t.Fatalf("expected 4 translate calls, got %d", mt.calls)
	}
}

func TestRunSubstitutesReferenceWhenWERExceedsThreshold(t *testing.T) {
	stt := fakeSTT{text: "totally different hypothesis"}
	mt := &fakeMT{}
	p := New(stt, mt, engine.NewLevenshteinWER(), 0.1, 2)

	tk := newTask()
	tk.AudioFiles = []string{"a.mp3"}
	tk.TextData = map[string]string{"a": "reference transcript text"}

	packed, err := p.Run(context.Background(), tk, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if packed["en"]["a"].TEXT != "reference transcript text" {
		t.Fatalf("expected TEXT to carry the supplied reference, got %+v", packed["en"]["a"])
	}
	if packed["en"]["a"].AUDIO == nil || packed["en"]["a"].AUDIO.Text != "totally different hypothesis" {
		t.Fatalf("expected AUDIO to preserve the raw STT hypothesis, not the reference, got %+v", packed["en"]["a"])
	}
	if packed["ja"]["a"].TRANSLATION != "[ja]reference transcript text" {
		t.Fatalf("expected translation to use the WER-substituted reference text, got %+v", packed["ja"]["a"])
	}
}

func TestRunReturnsErrCancelledWhenCancelledBeforeStart(t *testing.T) {
	stt := fakeSTT{text: "hello"}
	mt := &fakeMT{}
	p := New(stt, mt, engine.NewLevenshteinWER(), 0.3, 2)

	_, err := p.Run(context.Background(), newTask(), func(ctx context.Context) (bool, error) {
		return true, nil
	})
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestRunPropagatesTranscribeFailure(t *testing.T) {
	stt := fakeSTT{err: fmt.Errorf("engine down")}
	mt := &fakeMT{}
	p := New(stt, mt, engine.NewLevenshteinWER(), 0.3, 2)

	_, err := p.Run(context.Background(), newTask(), nil)
	if err == nil {
		t.Fatalf("expected error from failing STT engine")
	}
}
