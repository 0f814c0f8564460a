package media

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
)

type stubMediaRepo struct {
	assets map[int64]*domain.MediaAsset
	nextID int64
}

func newStubMediaRepo() *stubMediaRepo {
	return &stubMediaRepo{assets: map[int64]*domain.MediaAsset{}}
}

func (r *stubMediaRepo) add(asset domain.MediaAsset) int64 {
	r.nextID++
	asset.ID = r.nextID
	if asset.Status == "" {
		asset.Status = domain.MediaStatusPending
	}
	r.assets[asset.ID] = &asset
	return asset.ID
}

func (r *stubMediaRepo) SaveMediaAssets(postID int64, assets []domain.MediaAsset) error {
	for _, asset := range assets {
		asset.PostID = postID
		r.add(asset)
	}
	return nil
}

func (r *stubMediaRepo) GetMediaAsset(id int64) (domain.MediaAsset, error) {
	asset, ok := r.assets[id]
	if !ok {
		return domain.MediaAsset{}, domain.ErrNotFound
	}
	return *asset, nil
}

func (r *stubMediaRepo) ListMediaByPost(postID int64) ([]domain.MediaAsset, error) {
	var out []domain.MediaAsset
	for _, asset := range r.assets {
		if asset.PostID == postID {
			out = append(out, *asset)
		}
	}
	return out, nil
}

func (r *stubMediaRepo) ListPendingMedia(limit int) ([]domain.MediaAsset, error) {
	var out []domain.MediaAsset
	for _, asset := range r.assets {
		if asset.Status == domain.MediaStatusPending {
			out = append(out, *asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubMediaRepo) ResetFailedMedia(maxAttempts, limit int) ([]domain.MediaAsset, error) {
	var out []domain.MediaAsset
	for _, asset := range r.assets {
		if asset.Status == domain.MediaStatusFailed && asset.Attempts < maxAttempts {
			asset.Status = domain.MediaStatusPending
			out = append(out, *asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubMediaRepo) MarkMediaDownloading(id int64) (domain.MediaAsset, error) {
	asset, ok := r.assets[id]
	if !ok {
		return domain.MediaAsset{}, domain.ErrNotFound
	}
	asset.Status = domain.MediaStatusDownloading
	asset.Attempts++
	return *asset, nil
}

func (r *stubMediaRepo) MarkMediaCompleted(id int64, storagePath string, fileSize int64, downloadedAt time.Time) error {
	asset, ok := r.assets[id]
	if !ok {
		return domain.ErrNotFound
	}
	asset.Status = domain.MediaStatusCompleted
	asset.StoragePath = storagePath
	asset.FileSize = fileSize
	asset.DownloadedAt = &downloadedAt
	return nil
}

func (r *stubMediaRepo) MarkMediaFailed(id int64) error {
	asset, ok := r.assets[id]
	if !ok {
		return domain.ErrNotFound
	}
	asset.Status = domain.MediaStatusFailed
	return nil
}

type stubStorage struct {
	objects map[string][]byte
	puts    int
}

func newStubStorage() *stubStorage {
	return &stubStorage{objects: map[string][]byte{}}
}

func (s *stubStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := s.objects[path]
	return ok, nil
}

func (s *stubStorage) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[path] = data
	s.puts++
	return nil
}

func (s *stubStorage) PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "https://storage.local/" + path, nil
}

func newTestService(repo *stubMediaRepo, storage *stubStorage) *Service {
	clock := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	return NewService(repo, storage, 5*time.Second, 3, 10, zerolog.Nop(), func() time.Time { return clock })
}

func TestProcessOneDownloads(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 128)
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(payload)
	}))
	defer server.Close()

	repo := newStubMediaRepo()
	storage := newStubStorage()
	id := repo.add(domain.MediaAsset{PostID: 42, MediaKey: "m-1", Type: domain.MediaTypePhoto, URL: server.URL + "/pic"})

	svc := newTestService(repo, storage)
	if err := svc.ProcessOne(context.Background(), id); err != nil {
		t.Fatalf("ошибка обработки: %v", err)
	}

	asset := repo.assets[id]
	if asset.Status != domain.MediaStatusCompleted {
		t.Fatalf("ожидался статус completed, получен %q", asset.Status)
	}
	if asset.Attempts != 1 {
		t.Fatalf("счётчик попыток должен увеличиться ровно один раз, получено %d", asset.Attempts)
	}
	if asset.StoragePath != "42/m-1.jpg" {
		t.Fatalf("неожиданный путь в хранилище: %q", asset.StoragePath)
	}
	if asset.FileSize != int64(len(payload)) {
		t.Fatalf("ожидался размер %d, получен %d", len(payload), asset.FileSize)
	}
	if asset.DownloadedAt == nil {
		t.Fatal("метка загрузки должна быть установлена")
	}
	if hits != 1 {
		t.Fatalf("ожидался один запрос к источнику, было %d", hits)
	}
	if got := storage.objects["42/m-1.jpg"]; !bytes.Equal(got, payload) {
		t.Fatal("содержимое объекта не совпадает с источником")
	}
}

func TestProcessOneStorageExistsShortCircuit(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	repo := newStubMediaRepo()
	storage := newStubStorage()
	storage.objects["7/m-2.jpg"] = []byte("already there")
	id := repo.add(domain.MediaAsset{PostID: 7, MediaKey: "m-2", Type: domain.MediaTypePhoto, URL: server.URL})

	svc := newTestService(repo, storage)
	if err := svc.ProcessOne(context.Background(), id); err != nil {
		t.Fatalf("ошибка обработки: %v", err)
	}

	asset := repo.assets[id]
	if asset.Status != domain.MediaStatusCompleted {
		t.Fatalf("ожидался статус completed, получен %q", asset.Status)
	}
	if asset.Attempts != 1 {
		t.Fatalf("попытка фиксируется до проверки хранилища, получено %d", asset.Attempts)
	}
	if hits != 0 {
		t.Fatalf("при наличии объекта загрузки быть не должно, было запросов: %d", hits)
	}
	if storage.puts != 0 {
		t.Fatal("повторная запись в хранилище не должна выполняться")
	}
}

func TestProcessOneSkipsCompleted(t *testing.T) {
	repo := newStubMediaRepo()
	id := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "m-3", Type: domain.MediaTypePhoto, Status: domain.MediaStatusCompleted, Attempts: 2})

	svc := newTestService(repo, newStubStorage())
	if err := svc.ProcessOne(context.Background(), id); err != nil {
		t.Fatalf("завершённое вложение должно пропускаться: %v", err)
	}
	if repo.assets[id].Attempts != 2 {
		t.Fatal("пропуск не должен менять счётчик попыток")
	}
}

func TestProcessOneFailureMarksFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newStubMediaRepo()
	id := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "m-4", Type: domain.MediaTypeVideo, URL: server.URL})

	svc := newTestService(repo, newStubStorage())
	if err := svc.ProcessOne(context.Background(), id); err == nil {
		t.Fatal("ожидалась ошибка загрузки")
	}

	asset := repo.assets[id]
	if asset.Status != domain.MediaStatusFailed {
		t.Fatalf("ожидался статус failed, получен %q", asset.Status)
	}
	if asset.Attempts != 1 {
		t.Fatalf("ожидалась одна попытка, получено %d", asset.Attempts)
	}

	// Повторный вызов добавляет ровно одну попытку.
	if err := svc.ProcessOne(context.Background(), id); err == nil {
		t.Fatal("ожидалась ошибка загрузки")
	}
	if repo.assets[id].Attempts != 2 {
		t.Fatalf("ожидались две попытки, получено %d", repo.assets[id].Attempts)
	}
}

func TestProcessOneNoSourceURL(t *testing.T) {
	repo := newStubMediaRepo()
	id := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "m-5", Type: domain.MediaTypePhoto})

	svc := newTestService(repo, newStubStorage())
	err := svc.ProcessOne(context.Background(), id)
	if err == nil {
		t.Fatal("ожидалась ошибка отсутствия URL")
	}
	if repo.assets[id].Status != domain.MediaStatusFailed {
		t.Fatalf("ожидался статус failed, получен %q", repo.assets[id].Status)
	}
}

func TestProcessPendingBatchContinuesOnError(t *testing.T) {
	payload := []byte("ok")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	repo := newStubMediaRepo()
	goodID := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "good", Type: domain.MediaTypePhoto, URL: server.URL + "/good"})
	badID := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "bad", Type: domain.MediaTypePhoto, URL: server.URL + "/bad"})
	good2ID := repo.add(domain.MediaAsset{PostID: 2, MediaKey: "good2", Type: domain.MediaTypePhoto, URL: server.URL + "/good"})

	svc := newTestService(repo, newStubStorage())
	processed, err := svc.ProcessPendingBatch(context.Background())
	if err != nil {
		t.Fatalf("ошибка партии: %v", err)
	}
	if processed != 2 {
		t.Fatalf("ожидались 2 обработанных вложения, получено %d", processed)
	}
	if repo.assets[goodID].Status != domain.MediaStatusCompleted || repo.assets[good2ID].Status != domain.MediaStatusCompleted {
		t.Fatal("успешные вложения должны завершиться")
	}
	if repo.assets[badID].Status != domain.MediaStatusFailed {
		t.Fatal("неудачное вложение должно быть помечено failed")
	}
}

func TestRetryFailedBatchBoundedByMaxAttempts(t *testing.T) {
	payload := []byte("ok")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	repo := newStubMediaRepo()
	retryID := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "retry", Type: domain.MediaTypePhoto, URL: server.URL, Status: domain.MediaStatusFailed, Attempts: 1})
	exhaustedID := repo.add(domain.MediaAsset{PostID: 1, MediaKey: "exhausted", Type: domain.MediaTypePhoto, URL: server.URL, Status: domain.MediaStatusFailed, Attempts: 3})

	svc := newTestService(repo, newStubStorage())
	processed, err := svc.RetryFailedBatch(context.Background())
	if err != nil {
		t.Fatalf("ошибка повторной обработки: %v", err)
	}
	if processed != 1 {
		t.Fatalf("ожидалось 1 обработанное вложение, получено %d", processed)
	}
	if repo.assets[retryID].Status != domain.MediaStatusCompleted {
		t.Fatalf("вложение с запасом попыток должно завершиться, статус %q", repo.assets[retryID].Status)
	}
	if repo.assets[retryID].Attempts != 2 {
		t.Fatalf("ожидались 2 попытки, получено %d", repo.assets[retryID].Attempts)
	}
	if repo.assets[exhaustedID].Status != domain.MediaStatusFailed || repo.assets[exhaustedID].Attempts != 3 {
		t.Fatal("исчерпавшее попытки вложение не должно трогаться")
	}
}
