package main

import (
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/connector"
	"github.com/bikecorp/ingest-cli/internal/fetcher"
	"github.com/bikecorp/ingest-cli/internal/schema"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Manage staged snapshot files for the CSV replay fallback",
	Long: "The pipeline substitutes records from staged CSV snapshots when a primary " +
		"source yields nothing. These commands stage export files into the replay " +
		"directory and verify the staged set.",
}

var (
	replayFromFTP    bool
	replayXMLElement string
)

var replayStageCmd = &cobra.Command{
	Use:   "stage [files...]",
	Short: "Stage export files into the replay directory",
	Long: "Accepts CSV, XLSX, XML, and ZIP exports. Spreadsheets and XML are flattened " +
		"to CSV; archives are unpacked and their contents staged. A file maps to an " +
		"entity type by its replay file name, and its header must cover the type's " +
		"key fields. With --from-ftp the files are pulled from the configured drop first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sch, err := loadSchema()
		if err != nil {
			return err
		}
		if cfg.Replay.Dir == "" {
			return eris.New("replay.dir is not configured")
		}
		if err := os.MkdirAll(cfg.Replay.Dir, 0o755); err != nil {
			return eris.Wrap(err, "create replay dir")
		}

		files := args
		if replayFromFTP {
			pulled, tmpDir, err := pullFromFTP(ctx, args)
			if tmpDir != "" {
				defer os.RemoveAll(tmpDir) //nolint:errcheck
			}
			if err != nil {
				return err
			}
			files = pulled
		} else if len(files) == 0 {
			return eris.New("nothing to stage: pass export files or --from-ftp")
		}

		staged := 0
		for _, src := range files {
			n, err := stageFile(ctx, sch, cfg.Replay.Dir, src, true, replayXMLElement)
			if err != nil {
				return eris.Wrapf(err, "stage %s", src)
			}
			staged += n
		}

		fmt.Fprintf(os.Stdout, "Staged %d snapshot(s) into %s.\n", staged, cfg.Replay.Dir)
		return nil
	},
}

var replayVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify that every entity type has a usable staged snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sch, err := loadSchema()
		if err != nil {
			return err
		}

		replay := connector.NewCSVReplayConnector(sch, cfg.Replay.Dir)
		statuses := replay.VerifySnapshots()
		formatSnapshotStatuses(os.Stdout, statuses)

		bad := 0
		for _, s := range statuses {
			if !s.OK() {
				bad++
			}
		}
		if bad > 0 {
			return eris.Errorf("%d of %d snapshots unusable", bad, len(statuses))
		}
		return nil
	},
}

func init() {
	replayStageCmd.Flags().BoolVar(&replayFromFTP, "from-ftp", false, "pull export files from the configured FTP drop")
	replayStageCmd.Flags().StringVar(&replayXMLElement, "xml-element", "row", "XML element name holding one record")

	replayCmd.AddCommand(replayStageCmd)
	replayCmd.AddCommand(replayVerifyCmd)
	rootCmd.AddCommand(replayCmd)
}

// pullFromFTP downloads export files from the configured drop into a temp
// directory. With no names given, every file in the drop directory is pulled.
// The caller removes the returned directory.
func pullFromFTP(ctx context.Context, names []string) ([]string, string, error) {
	ftpCfg := cfg.Replay.FTP
	if ftpCfg.Addr == "" {
		return nil, "", eris.New("replay.ftp.addr is not configured")
	}

	f := fetcher.NewFTPFetcher(fetcher.FTPOptions{
		User:     ftpCfg.User,
		Password: os.Getenv(ftpCfg.PasswordEnv),
		Timeout:  time.Duration(ftpCfg.TimeoutSecs) * time.Second,
	})

	base := url.URL{Scheme: "ftp", Host: ftpCfg.Addr, Path: path.Join("/", ftpCfg.Dir)}

	if len(names) == 0 {
		listed, err := f.List(ctx, base.String())
		if err != nil {
			return nil, "", eris.Wrap(err, "list ftp drop")
		}
		names = listed
	}
	if len(names) == 0 {
		return nil, "", eris.Errorf("ftp drop %s is empty", base.String())
	}

	tmpDir, err := os.MkdirTemp("", "ingest-ftp-*")
	if err != nil {
		return nil, "", eris.Wrap(err, "create temp dir")
	}

	pulled := make([]string, 0, len(names))
	for _, name := range names {
		fileURL := base
		fileURL.Path = path.Join(fileURL.Path, name)
		dest := filepath.Join(tmpDir, filepath.Base(name))

		n, err := f.DownloadToFile(ctx, fileURL.String(), dest)
		if err != nil {
			return nil, tmpDir, eris.Wrapf(err, "download %s", name)
		}
		zap.L().Info("pulled export from ftp drop",
			zap.String("file", name),
			zap.Int64("bytes", n),
		)
		pulled = append(pulled, dest)
	}
	return pulled, tmpDir, nil
}

// stageFile stages one export into the replay directory, dispatching on the
// extension. strict controls how a file that maps to no entity type is
// handled: direct arguments fail, archive members are skipped.
func stageFile(ctx context.Context, sch *schema.Schema, dir, src string, strict bool, xmlElement string) (int, error) {
	switch strings.ToLower(filepath.Ext(src)) {
	case ".csv":
		return stageCSV(sch, dir, src, strict)
	case ".xlsx":
		return stageXLSX(ctx, sch, dir, src, strict)
	case ".xml":
		return stageXML(ctx, sch, dir, src, strict, xmlElement)
	case ".zip":
		return stageZIP(ctx, sch, dir, src, xmlElement)
	default:
		if strict {
			return 0, eris.Errorf("unsupported export type %q", filepath.Ext(src))
		}
		zap.L().Warn("skipping archive member with unsupported type", zap.String("file", filepath.Base(src)))
		return 0, nil
	}
}

// replayEntityFor maps a staged file name to the entity type it snapshots,
// or nil when no type declares it.
func replayEntityFor(sch *schema.Schema, fileName string) *schema.Entity {
	for _, name := range sch.EntityTypes() {
		ent, err := sch.Entity(name)
		if err != nil {
			continue
		}
		if ent.ReplayFile == fileName {
			return ent
		}
	}
	return nil
}

func expectedReplayFiles(sch *schema.Schema) []string {
	types := sch.EntityTypes()
	files := make([]string, 0, len(types))
	for _, name := range types {
		if ent, err := sch.Entity(name); err == nil {
			files = append(files, ent.ReplayFile)
		}
	}
	return files
}

func unmatchedExport(sch *schema.Schema, fileName string, strict bool) (int, error) {
	if strict {
		return 0, eris.Errorf("%s maps to no entity type (expected one of: %s)",
			fileName, strings.Join(expectedReplayFiles(sch), ", "))
	}
	zap.L().Warn("skipping archive member that maps to no entity type", zap.String("file", fileName))
	return 0, nil
}

func stageCSV(sch *schema.Schema, dir, src string, strict bool) (int, error) {
	base := filepath.Base(src)
	ent := replayEntityFor(sch, base)
	if ent == nil {
		return unmatchedExport(sch, base, strict)
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, eris.Wrap(err, "open export")
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, eris.Wrap(err, "read header")
	}
	if err := connector.CheckSnapshotHeader(ent, header); err != nil {
		return 0, eris.Wrapf(err, "%s snapshot", ent.Name)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, eris.Wrap(err, "rewind export")
	}

	dst := filepath.Join(dir, ent.ReplayFile)
	out, err := os.Create(dst)
	if err != nil {
		return 0, eris.Wrap(err, "create snapshot")
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close() //nolint:errcheck
		return 0, eris.Wrap(err, "write snapshot")
	}
	if err := out.Close(); err != nil {
		return 0, eris.Wrap(err, "close snapshot")
	}

	zap.L().Info("staged snapshot", zap.String("entity_type", ent.Name), zap.String("file", ent.ReplayFile))
	return 1, nil
}

func stageXLSX(ctx context.Context, sch *schema.Schema, dir, src string, strict bool) (int, error) {
	target := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".csv"
	ent := replayEntityFor(sch, target)
	if ent == nil {
		return unmatchedExport(sch, target, strict)
	}

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamXLSX(ctx, src, fetcher.XLSXOptions{
		SkipRows: 1,
		HeaderCh: headerCh,
	})

	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return 0, err
		}
	}

	var header []string
	select {
	case header = <-headerCh:
	default:
		return 0, eris.Errorf("%s has no header row", filepath.Base(src))
	}
	if err := connector.CheckSnapshotHeader(ent, header); err != nil {
		return 0, eris.Wrapf(err, "%s snapshot", ent.Name)
	}

	if err := writeSnapshotCSV(dir, ent, header, rows); err != nil {
		return 0, err
	}
	zap.L().Info("staged snapshot from spreadsheet",
		zap.String("entity_type", ent.Name),
		zap.String("file", ent.ReplayFile),
		zap.Int("rows", len(rows)),
	)
	return 1, nil
}

// xmlRow captures one export record as ordered (column, value) pairs,
// whatever the child element names are.
type xmlRow struct {
	cols []string
	vals map[string]string
}

func (r *xmlRow) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	r.vals = make(map[string]string)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var v string
			if err := d.DecodeElement(&v, &t); err != nil {
				return err
			}
			if _, seen := r.vals[t.Name.Local]; !seen {
				r.cols = append(r.cols, t.Name.Local)
			}
			r.vals[t.Name.Local] = v
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

func stageXML(ctx context.Context, sch *schema.Schema, dir, src string, strict bool, element string) (int, error) {
	target := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".csv"
	ent := replayEntityFor(sch, target)
	if ent == nil {
		return unmatchedExport(sch, target, strict)
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, eris.Wrap(err, "open export")
	}
	defer f.Close() //nolint:errcheck

	recCh, errCh := fetcher.StreamXML[xmlRow](ctx, f, element)

	var header []string
	var rows [][]string
	for rec := range recCh {
		if header == nil {
			header = rec.cols
		}
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = rec.vals[col]
		}
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return 0, err
		}
	}
	if header == nil {
		return 0, eris.Errorf("%s contains no <%s> elements", filepath.Base(src), element)
	}
	if err := connector.CheckSnapshotHeader(ent, header); err != nil {
		return 0, eris.Wrapf(err, "%s snapshot", ent.Name)
	}

	if err := writeSnapshotCSV(dir, ent, header, rows); err != nil {
		return 0, err
	}
	zap.L().Info("staged snapshot from xml export",
		zap.String("entity_type", ent.Name),
		zap.String("file", ent.ReplayFile),
		zap.Int("rows", len(rows)),
	)
	return 1, nil
}

func stageZIP(ctx context.Context, sch *schema.Schema, dir, src string, xmlElement string) (int, error) {
	tmpDir, err := os.MkdirTemp("", "ingest-replay-*")
	if err != nil {
		return 0, eris.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	extracted, err := fetcher.ExtractZIP(src, tmpDir)
	if err != nil {
		return 0, err
	}

	staged := 0
	for _, member := range extracted {
		n, err := stageFile(ctx, sch, dir, member, false, xmlElement)
		if err != nil {
			return staged, eris.Wrapf(err, "member %s", filepath.Base(member))
		}
		staged += n
	}
	if staged == 0 {
		return 0, eris.Errorf("%s contained no stageable snapshot files", filepath.Base(src))
	}
	return staged, nil
}

func writeSnapshotCSV(dir string, ent *schema.Entity, header []string, rows [][]string) error {
	dst := filepath.Join(dir, ent.ReplayFile)
	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrap(err, "create snapshot")
	}

	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrap(err, "write snapshot header")
	}
	if err := w.WriteAll(rows); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrap(err, "write snapshot rows")
	}
	return eris.Wrap(out.Close(), "close snapshot")
}

// formatSnapshotStatuses writes the verify table to w.
func formatSnapshotStatuses(out io.Writer, statuses []connector.SnapshotStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tFILE\tROWS\tSTATUS")
	_, _ = fmt.Fprintln(w, "------\t----\t----\t------")

	for _, s := range statuses {
		status := "ok"
		if !s.OK() {
			status = s.Err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.EntityType, s.File, s.Rows, status)
	}
	_ = w.Flush()
}
