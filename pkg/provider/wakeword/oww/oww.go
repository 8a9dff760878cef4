// Package oww scores wake words with the openWakeWord ONNX pipeline:
// melspectrogram → embedding → classifier.
//
// The three models and the ONNX Runtime shared library are loaded once at
// construction. Each [Model.Predict] call is stateless: the window is cut
// into 80 ms chunks, converted to mel frames, left-padded with the neutral
// mel value openWakeWord starts its buffers with, and the newest embeddings
// are scored by the classifier.
package oww

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/murmur/pkg/provider/wakeword"
)

const (
	melBins       = 32
	melPerChunk   = 5  // 1280 samples → 5 mel frames
	melWindowSize = 76 // mel frames per embedding
	melStepSize   = 8
	embeddingDim  = 96
	nEmbedFrames  = 16 // classifier input length
	melPadValue   = 1.0

	// recentEmbeddings is how many of the newest embedding slots are real;
	// older slots are zeroed.
	recentEmbeddings = 5
)

// Config names the model files.
type Config struct {
	// WakewordModel is the classifier, e.g. "models/hey_murmur.onnx". Its
	// base name without extension becomes the phrase key.
	WakewordModel string

	// MelspecModel and EmbeddingModel are the shared openWakeWord
	// feature models.
	MelspecModel   string
	EmbeddingModel string

	// SharedLibrary is the onnxruntime library path. Empty uses the
	// platform default search path.
	SharedLibrary string
}

// Validate reports missing model paths.
func (c Config) Validate() error {
	var errs []error
	if c.WakewordModel == "" {
		errs = append(errs, errors.New("oww: wakeword model path is required"))
	}
	if c.MelspecModel == "" {
		errs = append(errs, errors.New("oww: melspectrogram model path is required"))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("oww: embedding model path is required"))
	}
	return errors.Join(errs...)
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnv(lib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("oww: initialize onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("oww: destroy onnxruntime environment", "err", err)
		}
	}
}

// stage is one ONNX session with its bound input and output tensors.
type stage struct {
	in   *ort.Tensor[float32]
	out  *ort.Tensor[float32]
	sess *ort.AdvancedSession
}

func newStage(path string, inShape, outShape ort.Shape) (*stage, error) {
	in, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("oww: input tensor for %s: %w", path, err)
	}
	out, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("oww: output tensor for %s: %w", path, err)
	}
	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("oww: inspect %s: %w", path, err)
	}
	sess, err := ort.NewAdvancedSession(path,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("oww: load %s: %w", path, err)
	}
	return &stage{in: in, out: out, sess: sess}, nil
}

func (s *stage) destroy() {
	if s == nil {
		return
	}
	s.sess.Destroy()
	s.in.Destroy()
	s.out.Destroy()
}

// Model is an openWakeWord scorer backed by ONNX Runtime.
type Model struct {
	key string

	mel   *stage
	embed *stage
	ww    *stage

	mels []float32
	emb  []float32

	closeOnce sync.Once
}

// New loads the three models described by cfg.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := acquireEnv(cfg.SharedLibrary); err != nil {
		return nil, err
	}

	m := &Model{
		key: strings.TrimSuffix(filepath.Base(cfg.WakewordModel), filepath.Ext(cfg.WakewordModel)),
	}
	var err error
	if m.mel, err = newStage(cfg.MelspecModel,
		ort.NewShape(1, wakeword.ChunkSamples),
		ort.NewShape(1, 1, melPerChunk, melBins)); err != nil {
		return nil, m.abort(err)
	}
	if m.embed, err = newStage(cfg.EmbeddingModel,
		ort.NewShape(1, melWindowSize, melBins, 1),
		ort.NewShape(1, 1, 1, embeddingDim)); err != nil {
		return nil, m.abort(err)
	}
	if m.ww, err = newStage(cfg.WakewordModel,
		ort.NewShape(1, nEmbedFrames, embeddingDim),
		ort.NewShape(1, 1)); err != nil {
		return nil, m.abort(err)
	}
	slog.Info("oww: models loaded", "phrase", m.key)
	return m, nil
}

// Predict implements [wakeword.Model].
func (m *Model) Predict(window []int16) (map[string]float64, error) {
	chunks := len(window) / wakeword.ChunkSamples
	if chunks == 0 {
		return map[string]float64{m.key: 0}, nil
	}

	// Mel frames, left-padded so the newest recentEmbeddings windows exist.
	need := melWindowSize + melStepSize*(recentEmbeddings-1)
	have := chunks * melPerChunk
	pad := max(0, need-have)
	m.mels = m.mels[:0]
	for range pad * melBins {
		m.mels = append(m.mels, melPadValue)
	}

	in := m.mel.in.GetData()
	for c := range chunks {
		chunk := window[c*wakeword.ChunkSamples : (c+1)*wakeword.ChunkSamples]
		for i, v := range chunk {
			in[i] = float32(v)
		}
		if err := m.mel.sess.Run(); err != nil {
			return nil, fmt.Errorf("oww: melspectrogram: %w", err)
		}
		for _, v := range m.mel.out.GetData()[:melPerChunk*melBins] {
			m.mels = append(m.mels, v/10+2)
		}
	}

	// Embeddings for windows ending at the newest mel frame, stepping back.
	total := len(m.mels) / melBins
	if cap(m.emb) < nEmbedFrames*embeddingDim {
		m.emb = make([]float32, nEmbedFrames*embeddingDim)
	}
	m.emb = m.emb[:nEmbedFrames*embeddingDim]
	clear(m.emb)
	eIn := m.embed.in.GetData()
	for k := range recentEmbeddings {
		end := total - k*melStepSize
		start := end - melWindowSize
		if start < 0 {
			break
		}
		copy(eIn, m.mels[start*melBins:end*melBins])
		if err := m.embed.sess.Run(); err != nil {
			return nil, fmt.Errorf("oww: embedding: %w", err)
		}
		slot := nEmbedFrames - 1 - k
		copy(m.emb[slot*embeddingDim:(slot+1)*embeddingDim], m.embed.out.GetData()[:embeddingDim])
	}

	copy(m.ww.in.GetData(), m.emb)
	if err := m.ww.sess.Run(); err != nil {
		return nil, fmt.Errorf("oww: classifier: %w", err)
	}
	score := float64(m.ww.out.GetData()[0])
	return map[string]float64{m.key: min(max(score, 0), 1)}, nil
}

// SampleRate implements [wakeword.Model].
func (m *Model) SampleRate() int { return wakeword.DefaultSampleRate }

// Reset implements [wakeword.Model]. Predict keeps no state between calls.
func (m *Model) Reset() {}

// Key returns the phrase name scores are reported under.
func (m *Model) Key() string { return m.key }

// Close releases the ONNX sessions.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.destroy()
		releaseEnv()
	})
	return nil
}

func (m *Model) abort(err error) error {
	m.destroy()
	releaseEnv()
	return err
}

func (m *Model) destroy() {
	m.mel.destroy()
	m.embed.destroy()
	m.ww.destroy()
	m.mel, m.embed, m.ww = nil, nil, nil
}

var _ wakeword.Model = (*Model)(nil)
