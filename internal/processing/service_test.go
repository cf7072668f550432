package processing

import (
	"bytes"
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/RMahshie/fluxcal/internal/repository"
	"github.com/RMahshie/fluxcal/internal/repository/postgres"
	"github.com/RMahshie/fluxcal/internal/sensfunc"
	"github.com/RMahshie/fluxcal/internal/spec1d"
	"github.com/RMahshie/fluxcal/internal/storage"
	"github.com/RMahshie/fluxcal/internal/testutil"
	"github.com/RMahshie/fluxcal/migrations"
	"github.com/RMahshie/fluxcal/pkg/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCalibrationRepository is a mock implementation of repository.CalibrationRepository
type MockCalibrationRepository struct {
	mock.Mock
}

func (m *MockCalibrationRepository) Create(ctx context.Context, run *models.CalibrationRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockCalibrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CalibrationRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CalibrationRun), args.Error(1)
}

func (m *MockCalibrationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error {
	args := m.Called(ctx, id, status, progress)
	return args.Error(0)
}

func (m *MockCalibrationRepository) UpdateError(ctx context.Context, id uuid.UUID, errorMsg string) error {
	args := m.Called(ctx, id, errorMsg)
	return args.Error(0)
}

func (m *MockCalibrationRepository) SetOutputKey(ctx context.Context, id uuid.UUID, key string) error {
	args := m.Called(ctx, id, key)
	return args.Error(0)
}

func (m *MockCalibrationRepository) StoreSensFuncResult(ctx context.Context, result *models.SensFuncResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockCalibrationRepository) GetSensFuncResult(ctx context.Context, runID uuid.UUID) (*models.SensFuncResult, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SensFuncResult), args.Error(1)
}

func (m *MockCalibrationRepository) StoreExposureOutcome(ctx context.Context, outcome *models.ExposureOutcome) error {
	args := m.Called(ctx, outcome)
	return args.Error(0)
}

func (m *MockCalibrationRepository) ListExposureOutcomes(ctx context.Context, runID uuid.UUID) ([]models.ExposureOutcome, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ExposureOutcome), args.Error(1)
}

// putFile copies a local file into the store under key.
func putFile(t *testing.T, store storage.FileStore, key, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, storage.UploadBytes(context.Background(), store, key, data))
}

// standardFile writes a Kast blue exposure of Feige 34.
func standardFile(t *testing.T, dir string) string {
	t.Helper()
	std := testutil.Spectrum{
		Meta:       testutil.Meta("shane_kast_blue", models.PypelineMultiSlit, 1.4),
		Wave:       [][]float64{testutil.LinearWave(3300, 5500, 2000)},
		Flam:       testutil.Feige34(t).Flux,
		ZeroPoint:  testutil.OpticalZeroPoint,
		Atmosphere: testutil.Extinction(t, "lick", 1.4),
		Noise:      0.005,
		Seed:       11,
	}
	return std.Write(t, dir, "spec1d_std.fits")
}

func scienceFile(t *testing.T, dir, name string) string {
	t.Helper()
	sci := testutil.Spectrum{
		Meta:       testutil.Meta("shane_kast_blue", models.PypelineMultiSlit, 1.2),
		Wave:       [][]float64{testutil.LinearWave(3500, 5300, 400)},
		Flam:       testutil.Flat(3),
		ZeroPoint:  testutil.OpticalZeroPoint,
		Atmosphere: testutil.Extinction(t, "lick", 1.2),
	}
	sci.Meta.Target = "J1217+3905"
	return sci.Write(t, dir, name)
}

// flatSensFile writes a UVIS table that maps N_lambda = 1 to F_lambda = 1.
func flatSensFile(t *testing.T, dir, specFile string) string {
	t.Helper()
	sf, err := sensfunc.New(specFile, filepath.Join(dir, "sens_flat.fits"), config.DefaultParams())
	require.NoError(t, err)
	wave := testutil.LinearWave(3000, 6000, 300)
	require.NoError(t, sf.SetSolution([][]float64{wave}, [][]float64{testutil.FlatZeroPoint(wave, 1)}))
	require.NoError(t, sf.ToFile(""))
	return sf.SensFile
}

func newLocalStore(t *testing.T) storage.FileStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func expectProgress(repo *MockCalibrationRepository, id uuid.UUID) {
	repo.On("UpdateStatus", mock.Anything, id, models.StatusProcessing, mock.AnythingOfType("int")).Return(nil)
}

func TestProcessSensFunc(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newLocalStore(t)
	repo := new(MockCalibrationRepository)

	id := uuid.New()
	inputKey := "spec1d/" + id.String() + ".fits"
	putFile(t, store, inputKey, standardFile(t, dir))

	run := &models.CalibrationRun{ID: id.String(), Kind: models.RunKindSensFunc, InputKey: &inputKey}
	sensKey := SensFuncPrefix + id.String() + ".fits"

	repo.On("GetByID", mock.Anything, id).Return(run, nil)
	expectProgress(repo, id)
	repo.On("StoreSensFuncResult", mock.Anything, mock.MatchedBy(func(r *models.SensFuncResult) bool {
		return r.RunID == id.String() &&
			r.Algorithm == "UVIS" &&
			!r.ExtinctionIncluded &&
			r.SensKey == sensKey &&
			r.QAKey != nil &&
			len(r.Orders) == 1 &&
			!r.Orders[0].FullyMasked &&
			r.Orders[0].MedianZeroPoint > 15 &&
			math.Abs(r.Orders[0].WeightedZeroPoint-r.Orders[0].MedianZeroPoint) < 0.5
	})).Return(nil)
	repo.On("SetOutputKey", mock.Anything, id, sensKey).Return(nil)
	repo.On("UpdateStatus", mock.Anything, id, models.StatusCompleted, 100).Return(nil)

	service := NewCalibrationService(store, repo, "", 2)
	require.NoError(t, service.ProcessRun(ctx, id))
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "UpdateError", mock.Anything, mock.Anything, mock.Anything)

	data, err := store.Download(ctx, sensKey)
	require.NoError(t, err)
	local := filepath.Join(dir, "downloaded_sens.fits")
	require.NoError(t, os.WriteFile(local, data, 0o644))
	tbl, err := sensfunc.ReadTable(local)
	require.NoError(t, err)
	assert.Equal(t, "UVIS", tbl.Algorithm)

	png, err := store.Download(ctx, QAPrefix+id.String()+".png")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestSummarize(t *testing.T) {
	tbl := &models.SensitivityTable{Orders: []models.SensOrder{
		{
			Det:           1,
			Wave:          []float64{4000, 4001, 4002, 4003},
			ZeroPoint:     []float64{18, 18, 19, 19},
			ZeroPointData: []float64{17, 18, 19, 30},
			ZeroPointIvar: []float64{1, 3, 0, 100},
			Telluric:      []float64{1, 1, 1, 1},
			Mask:          []bool{false, false, false, true},
		},
		{
			Det:           2,
			Wave:          []float64{5000, 5001},
			ZeroPoint:     []float64{0, 0},
			ZeroPointData: []float64{0, 0},
			ZeroPointIvar: []float64{0, 0},
			Telluric:      []float64{1, 1},
			Mask:          []bool{true, true},
			FullyMasked:   true,
		},
	}}

	got := Summarize(tbl)
	require.Len(t, got, 2)
	assert.Equal(t, 4000.0, got[0].WaveMin)
	assert.Equal(t, 4003.0, got[0].WaveMax)
	assert.InDelta(t, 18.5, got[0].MedianZeroPoint, 1e-12)
	assert.InDelta(t, 17.75, got[0].WeightedZeroPoint, 1e-12)
	assert.InDelta(t, 0.25, got[0].MaskedFraction, 1e-12)

	assert.True(t, got[1].FullyMasked)
	assert.Zero(t, got[1].MedianZeroPoint)
	assert.Zero(t, got[1].WeightedZeroPoint)
}

func TestProcessSensFunc_Failures(t *testing.T) {
	dir := t.TempDir()
	std := standardFile(t, dir)

	tests := []struct {
		name      string
		upload    bool
		params    string
		algorithm string
		errSubstr string
	}{
		{
			name:      "missing upload",
			errSubstr: "Failed to download standard star spectrum",
		},
		{
			name:      "unknown parameter",
			upload:    true,
			params:    "[sensfunc]\n  bogus = 1",
			errSubstr: "Invalid parameters",
		},
		{
			name:      "unknown algorithm",
			upload:    true,
			algorithm: "bogus",
			errSubstr: "Invalid parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newLocalStore(t)
			repo := new(MockCalibrationRepository)
			id := uuid.New()
			key := "spec1d/" + id.String() + ".fits"
			if tt.upload {
				putFile(t, store, key, std)
			}
			run := &models.CalibrationRun{ID: id.String(), Kind: models.RunKindSensFunc, InputKey: &key, Algorithm: tt.algorithm}
			if tt.params != "" {
				run.Params = &tt.params
			}

			repo.On("GetByID", mock.Anything, id).Return(run, nil)
			expectProgress(repo, id)
			repo.On("UpdateError", mock.Anything, id, mock.MatchedBy(func(msg string) bool {
				return strings.Contains(msg, tt.errSubstr)
			})).Return(nil)

			service := NewCalibrationService(store, repo, "", 1)
			require.NoError(t, service.ProcessSensFunc(context.Background(), id))
			repo.AssertExpectations(t)
			repo.AssertNotCalled(t, "StoreSensFuncResult", mock.Anything, mock.Anything)
		})
	}
}

func TestProcessSensFunc_WriteFailure(t *testing.T) {
	store := newLocalStore(t)
	repo := new(MockCalibrationRepository)
	id := uuid.New()

	// The standard lands in a directory where the sensitivity file belongs.
	key := "sens_" + id.String() + ".fits/std.fits"
	putFile(t, store, key, standardFile(t, t.TempDir()))
	run := &models.CalibrationRun{ID: id.String(), Kind: models.RunKindSensFunc, InputKey: &key}

	repo.On("GetByID", mock.Anything, id).Return(run, nil)
	expectProgress(repo, id)
	repo.On("UpdateError", mock.Anything, id, mock.MatchedBy(func(msg string) bool {
		return strings.HasPrefix(msg, "Failed to write sensitivity function")
	})).Return(nil)

	service := NewCalibrationService(store, repo, "", 1)
	require.NoError(t, service.ProcessSensFunc(context.Background(), id))
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "StoreSensFuncResult", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "SetOutputKey", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessSensFunc_NoInput(t *testing.T) {
	repo := new(MockCalibrationRepository)
	id := uuid.New()
	repo.On("UpdateStatus", mock.Anything, id, models.StatusProcessing, 10).Return(nil)
	repo.On("GetByID", mock.Anything, id).Return(&models.CalibrationRun{ID: id.String(), Kind: models.RunKindSensFunc}, nil)
	repo.On("UpdateError", mock.Anything, id, "Run has no standard star spectrum").Return(nil)

	service := NewCalibrationService(newLocalStore(t), repo, "", 1)
	require.NoError(t, service.ProcessSensFunc(context.Background(), id))
	repo.AssertExpectations(t)
}

func TestProcessFluxCalib(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newLocalStore(t)
	repo := new(MockCalibrationRepository)

	sciA := scienceFile(t, dir, "sci_a.fits")
	sciB := scienceFile(t, dir, "sci_b.fits")
	putFile(t, store, "spec1d/sci_a.fits", sciA)
	putFile(t, store, "night2/sci_a.fits", sciB)
	putFile(t, store, "sensfunc/flat.fits", flatSensFile(t, dir, sciA))

	manifest := strings.Join([]string{
		"[fluxcalib]",
		"  extinct_correct = False",
		"",
		"flux read",
		"  filename | sensfile",
		"  spec1d/sci_a.fits | sensfunc/flat.fits",
		"  night2/sci_a.fits |",
		"  spec1d/missing.fits |",
		"flux end",
	}, "\n")

	id := uuid.New()
	run := &models.CalibrationRun{ID: id.String(), Kind: models.RunKindFluxCalib, Manifest: &manifest}

	var outcomes []*models.ExposureOutcome
	repo.On("GetByID", mock.Anything, id).Return(run, nil)
	expectProgress(repo, id)
	repo.On("StoreExposureOutcome", mock.Anything, mock.AnythingOfType("*models.ExposureOutcome")).
		Run(func(args mock.Arguments) {
			outcomes = append(outcomes, args.Get(1).(*models.ExposureOutcome))
		}).Return(nil)
	repo.On("SetOutputKey", mock.Anything, id, FluxedPrefix+id.String()+"/").Return(nil)
	repo.On("UpdateStatus", mock.Anything, id, models.StatusCompleted, 100).Return(nil)

	service := NewCalibrationService(store, repo, "", 2)
	require.NoError(t, service.ProcessRun(ctx, id))
	repo.AssertExpectations(t)

	require.Len(t, outcomes, 3)
	outputKeys := map[string]bool{}
	for _, oc := range outcomes[:2] {
		assert.Equal(t, models.StatusCalibrated, oc.Status, "%s", oc.ScienceKey)
		assert.Equal(t, "sensfunc/flat.fits", oc.SensKey)
		assert.False(t, oc.ExtinctionCorrected)
		require.NotNil(t, oc.OutputKey)
		assert.True(t, strings.HasPrefix(*oc.OutputKey, FluxedPrefix+id.String()+"/"))
		outputKeys[*oc.OutputKey] = true

		data, err := store.Download(ctx, *oc.OutputKey)
		require.NoError(t, err)
		local := filepath.Join(dir, "out_"+uuid.NewString()+".fits")
		require.NoError(t, os.WriteFile(local, data, 0o644))
		sobjs, err := spec1d.ReadFile(local)
		require.NoError(t, err)
		assert.True(t, sobjs.Meta.Fluxed)
		assert.True(t, sobjs.Objs[0].Has(spec1d.Col(spec1d.Optimal, spec1d.Flam)))
	}

	assert.Len(t, outputKeys, 2, "same file name in two directories")

	missing := outcomes[2]
	assert.Equal(t, "spec1d/missing.fits", missing.ScienceKey)
	assert.Equal(t, models.StatusFailed, missing.Status)
	require.NotNil(t, missing.ErrorKind)
	assert.Equal(t, calerr.Kind(calerr.ErrInput), *missing.ErrorKind)
	assert.Nil(t, missing.OutputKey)
}

func TestProcessFluxCalib_NothingCalibrated(t *testing.T) {
	store := newLocalStore(t)
	repo := new(MockCalibrationRepository)

	manifest := "flux read\n filename | sensfile\n spec1d/a.fits | sens.fits\nflux end\n"
	id := uuid.New()
	run := &models.CalibrationRun{ID: id.String(), Kind: models.RunKindFluxCalib, Manifest: &manifest}

	repo.On("GetByID", mock.Anything, id).Return(run, nil)
	expectProgress(repo, id)
	repo.On("StoreExposureOutcome", mock.Anything, mock.MatchedBy(func(oc *models.ExposureOutcome) bool {
		return oc.Status == models.StatusFailed
	})).Return(nil).Once()
	repo.On("UpdateError", mock.Anything, id, "No exposure was calibrated").Return(nil)

	service := NewCalibrationService(store, repo, "", 1)
	require.NoError(t, service.ProcessFluxCalib(context.Background(), id))
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "SetOutputKey", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessFluxCalib_InvalidManifest(t *testing.T) {
	repo := new(MockCalibrationRepository)
	manifest := "[fluxcalib]\n extinct_correct = True\n"
	id := uuid.New()

	repo.On("UpdateStatus", mock.Anything, id, models.StatusProcessing, 10).Return(nil)
	repo.On("GetByID", mock.Anything, id).Return(&models.CalibrationRun{ID: id.String(), Kind: models.RunKindFluxCalib, Manifest: &manifest}, nil)
	repo.On("UpdateError", mock.Anything, id, mock.MatchedBy(func(msg string) bool {
		return strings.HasPrefix(msg, "Invalid flux manifest")
	})).Return(nil)

	service := NewCalibrationService(newLocalStore(t), repo, "", 1)
	require.NoError(t, service.ProcessFluxCalib(context.Background(), id))
	repo.AssertExpectations(t)
}

func TestProcessRun_Errors(t *testing.T) {
	repo := new(MockCalibrationRepository)
	unknown, missing := uuid.New(), uuid.New()
	repo.On("GetByID", mock.Anything, unknown).Return(&models.CalibrationRun{ID: unknown.String(), Kind: "coadd"}, nil)
	repo.On("GetByID", mock.Anything, missing).Return(nil, repository.ErrNotFound)

	service := NewCalibrationService(newLocalStore(t), repo, "", 1)
	assert.ErrorContains(t, service.ProcessRun(context.Background(), unknown), "unknown run kind")
	assert.ErrorIs(t, service.ProcessRun(context.Background(), missing), repository.ErrNotFound)
}

func TestSiteParamsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sensfunc]\n  polyorder = 5\n"), 0o644))

	s := NewCalibrationService(newLocalStore(t), new(MockCalibrationRepository), path, 0).(*calibrationService)
	assert.Equal(t, 1, s.workers)

	override := "[sensfunc]\n  sigrej = 4.0"
	par, err := s.params("shane_kast_blue", &models.CalibrationRun{Params: &override, Algorithm: "ir"})
	require.NoError(t, err)
	assert.Equal(t, 5, par.SensFunc.PolyOrder)
	assert.Equal(t, 4.0, par.SensFunc.SigRej)
	assert.Equal(t, "IR", par.SensFunc.Algorithm)
}

func TestCalibrationService_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	db, err := sql.Open("postgres", testutil.StartPostgres(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(ctx, db))
	repo := postgres.NewCalibrationRepository(db)

	endpoint := testutil.StartMinio(t)
	bucket := "fluxcal-test-" + uuid.NewString()[:8]
	require.NoError(t, testutil.CreateMinioBucket(ctx, endpoint, testutil.MinioUser, testutil.MinioPassword, bucket))
	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    bucket,
		Endpoint:  endpoint,
		AccessKey: testutil.MinioUser,
		SecretKey: testutil.MinioPassword,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	key := "spec1d/std.fits"
	putFile(t, store, key, standardFile(t, dir))

	run := &models.CalibrationRun{Kind: models.RunKindSensFunc, InputKey: &key}
	require.NoError(t, repo.Create(ctx, run))
	id := uuid.MustParse(run.ID)

	service := NewCalibrationService(store, repo, "", 2)
	require.NoError(t, service.ProcessRun(ctx, id))

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.OutputKey)

	result, err := repo.GetSensFuncResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "UVIS", result.Algorithm)
	require.Len(t, result.Orders, 1)

	exists, err := store.Exists(ctx, *got.OutputKey)
	require.NoError(t, err)
	assert.True(t, exists)
}
