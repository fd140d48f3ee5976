package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanlab/van/api"
	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/logutil"
	"github.com/vanlab/van/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// smallModel builds presets at a resolution small enough for tests.
func smallModel(name string) (model.Model, string, error) {
	m, err := model.New(name, map[string]any{"image_size": 32, "num_classes": 10})
	return m, "", err
}

func encodePNG(t *testing.T, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, c)
		}
	}

	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, img))
	return b.Bytes()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r *bytes.Reader
	if body != nil {
		bts, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(bts)
	} else {
		r = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVersionHandler(t *testing.T) {
	h := newServer(smallModel, 1).GenerateRoutes()

	rec := do(t, h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(logutil.RequestIDHeader))

	var resp api.VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Version)
}

func TestListHandler(t *testing.T) {
	h := newServer(smallModel, 1).GenerateRoutes()

	rec := do(t, h, http.MethodGet, "/api/tags", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"van_base", "van_large", "van_small", "van_tiny"}, resp.Models)
}

func TestShowHandler(t *testing.T) {
	h := newServer(smallModel, 1).GenerateRoutes()

	t.Run("ok", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/show?model=van_tiny", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp api.ShowResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "van_tiny", resp.Model)
		assert.EqualValues(t, 32, resp.Config["image_size"])
		assert.Equal(t, []any{32.0, 64.0, 160.0, 256.0}, resp.Config["embed_dims"])
		assert.NotZero(t, resp.Parameters)
		assert.NotEmpty(t, resp.ParameterSize)
		assert.Empty(t, resp.Checkpoint)
	})

	t.Run("missing model", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/show", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown model", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/show?model=van_huge", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown configuration")
	})
}

func TestClient(t *testing.T) {
	ts := httptest.NewServer(newServer(smallModel, 1).GenerateRoutes())
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	client := api.NewClient(base, ts.Client())
	ctx := context.Background()

	show, err := client.Show(ctx, &api.ShowRequest{Model: "van_small"})
	require.NoError(t, err)
	assert.Equal(t, "van_small", show.Model)

	list, err := client.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, list.Models, "van_small")

	v, err := client.Version(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, v)

	resp, err := client.Classify(ctx, &api.ClassifyRequest{Model: "van_tiny", Images: []api.ImageData{encodePNG(t, color.White)}, TopK: 3})
	require.NoError(t, err)
	require.Len(t, resp.Predictions, 1)
	assert.Len(t, resp.Predictions[0], 3)

	_, err = client.Show(ctx, &api.ShowRequest{Model: "van_huge"})
	var statusError api.StatusError
	require.ErrorAs(t, err, &statusError)
	assert.Equal(t, http.StatusNotFound, statusError.StatusCode)
}

func TestClassifyHandler(t *testing.T) {
	h := newServer(smallModel, 2).GenerateRoutes()
	red := encodePNG(t, color.RGBA{R: 255, A: 255})
	blue := encodePNG(t, color.RGBA{B: 255, A: 255})

	t.Run("batch", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/classify", api.ClassifyRequest{
			Model:  "van_tiny",
			Images: []api.ImageData{red, blue},
			TopK:   3,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp api.ClassifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "van_tiny", resp.Model)
		require.Len(t, resp.Predictions, 2)
		for _, preds := range resp.Predictions {
			require.Len(t, preds, 3)

			var total float32
			for i, p := range preds {
				assert.True(t, p.Index >= 0 && p.Index < 10)
				assert.True(t, p.Score > 0 && p.Score <= 1)
				if i > 0 {
					assert.GreaterOrEqual(t, preds[i-1].Score, p.Score)
				}
				total += p.Score
			}
			assert.LessOrEqual(t, total, float32(1.0001))
		}
	})

	t.Run("default top k", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/classify", api.ClassifyRequest{Model: "van_tiny", Images: []api.ImageData{red}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp api.ClassifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Predictions, 1)
		assert.Len(t, resp.Predictions[0], defaultTopK)
	})

	cases := []struct {
		name   string
		req    any
		status int
	}{
		{"no model", api.ClassifyRequest{Images: []api.ImageData{red}}, http.StatusBadRequest},
		{"no images", api.ClassifyRequest{Model: "van_tiny"}, http.StatusBadRequest},
		{"negative top k", api.ClassifyRequest{Model: "van_tiny", Images: []api.ImageData{red}, TopK: -1}, http.StatusBadRequest},
		{"bad image", api.ClassifyRequest{Model: "van_tiny", Images: []api.ImageData{[]byte("not an image")}}, http.StatusBadRequest},
		{"unknown model", api.ClassifyRequest{Model: "van_huge", Images: []api.ImageData{red}}, http.StatusNotFound},
		{"bad json", "{", http.StatusBadRequest},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/classify", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp api.StatusError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.ErrorMessage)
		})
	}
}

func TestModelsLoadOnce(t *testing.T) {
	var calls atomic.Int32
	s := newModels(func(name string) (model.Model, string, error) {
		calls.Add(1)
		return smallModel(name)
	})

	var wg sync.WaitGroup
	runners := make([]*runner, 8)
	for i := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.get("van_tiny")
			assert.NoError(t, err)
			runners[i] = r
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, r := range runners {
		assert.Same(t, runners[0], r)
	}
}

func TestModelsLoadError(t *testing.T) {
	var calls atomic.Int32
	errBroken := errors.New("broken")
	s := newModels(func(string) (model.Model, string, error) {
		calls.Add(1)
		return nil, "", errBroken
	})

	_, err := s.get("van_tiny")
	assert.ErrorIs(t, err, errBroken)

	// failures are not cached
	_, err = s.get("van_tiny")
	assert.ErrorIs(t, err, errBroken)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoadModel(t *testing.T) {
	if testing.Short() {
		t.Skip("builds full size presets")
	}

	dir := t.TempDir()
	t.Setenv("VAN_MODELS", dir)
	envconfig.LoadConfig()
	t.Cleanup(envconfig.LoadConfig)

	m, checkpoint, err := loadModel("van_tiny")
	require.NoError(t, err)
	assert.Empty(t, checkpoint)
	assert.Equal(t, 224, m.InputSize())

	_, _, err = loadModel("van_huge")
	assert.ErrorIs(t, err, model.ErrUnknownConfiguration)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "van_tiny.safetensors"), []byte("garbage!"), 0o644))
	_, _, err = loadModel("van_tiny")
	assert.Error(t, err)
}
