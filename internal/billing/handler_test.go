package billing

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/arbor-portal/arbor-portal/internal/periods"
)

func newHandlerFixture(t *testing.T, parse StatementParser) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandler(logger, f.service, nil, nil, parse)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return f, r
}

func TestImportPaymentsMultipart(t *testing.T) {
	parse := func(filename string, r io.Reader) ([]ImportRow, []RowError, error) {
		require.Equal(t, "statement.csv", filename)
		raw, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "raw statement bytes", string(raw))
		rows := []ImportRow{{Date: date("2025-01-10"), Amount: mustDec("1500"), PlotRef: "15"}}
		return rows, []RowError{{Row: 4, Reason: `unrecognised amount "abc"`}}, nil
	}
	f, router := newHandlerFixture(t, parse)
	seedPlots(f)
	f.periods.add(1, "2025-01", date("2025-01-01"), date("2025-01-31"), periods.StatusApproved)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "statement.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("raw statement bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(actorHeader, "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary InsertSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.Equal(t, 1, summary.Inserted)
	require.Len(t, summary.Errors, 1)
	require.Equal(t, 4, summary.Errors[0].Row)
	require.Len(t, f.repo.payments, 1)
}

func TestImportPaymentsMultipartWithoutParser(t *testing.T) {
	_, router := newHandlerFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_, err := mw.CreateFormFile("file", "statement.csv")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestImportPaymentsJSONBody(t *testing.T) {
	f, router := newHandlerFixture(t, nil)
	seedPlots(f)
	f.periods.add(1, "2025-01", date("2025-01-01"), date("2025-01-31"), periods.StatusApproved)

	body := `{"rows":[{"date":"2025-01-10","amount":"700","plotRef":"15"}]}`
	req := httptest.NewRequest(http.MethodPost, "/imports", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary InsertSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.Equal(t, 1, summary.Inserted)
	require.Len(t, f.repo.payments, 1)
}

func TestDebtorsPeriodIDParam(t *testing.T) {
	f, router := newHandlerFixture(t, nil)
	seedPlots(f)
	f.periods.add(1, "2025-01", date("2025-01-01"), date("2025-01-31"), periods.StatusApproved)
	f.periods.add(2, "2025-02", date("2025-02-01"), date("2025-02-28"), periods.StatusApproved)
	f.repo.addAccrual(1, 3, CategoryMembership, "2000", "0")
	f.repo.addAccrual(2, 3, CategoryMembership, "2000", "0")

	req := httptest.NewRequest(http.MethodGet, "/debtors?periodID=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var rows []DebtorRow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.True(t, rows[0].DebtTotal.Equal(mustDec("2000")), rows[0].DebtTotal.String())
}
