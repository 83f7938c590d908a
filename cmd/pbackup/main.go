// Command pbackup is the client side of the backup protocol: "backup" and
// "restore" talk to a remote pbackup-server over internal/wireclient;
// "list", "gc" and "prune" operate directly on a local datastore path, the
// same split the teacher's own gastrolog binary draws between commands that
// need a running server and ones that only need a config/data directory.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"hash"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"gastrolog/internal/blob"
	"gastrolog/internal/chunker"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/datastore"
	"gastrolog/internal/index"
	"gastrolog/internal/logging"
	"gastrolog/internal/manifest"
	"gastrolog/internal/wireclient"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo))

	rootCmd := &cobra.Command{
		Use:   "pbackup",
		Short: "Backup client for a deduplicating backup datastore",
	}
	rootCmd.PersistentFlags().String("repository", "", "server address, e.g. https://store.example:8007/mydatastore")
	rootCmd.PersistentFlags().String("store", "", "local datastore path (for list/gc/prune, run on the server host)")

	rootCmd.AddCommand(
		newBackupCmd(logger),
		newRestoreCmd(logger),
		newListCmd(logger),
		newGCCmd(logger),
		newPruneCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// parseRepository splits "https://host:port/datastore" into a base URL the
// wireclient.Client dials and the datastore name the session names.
func parseRepository(repo string) (baseURL, store string, err error) {
	u, err := url.Parse(repo)
	if err != nil {
		return "", "", fmt.Errorf("parse repository %q: %w", repo, err)
	}
	store = filepath.Base(u.Path)
	if store == "" || store == "." || store == "/" {
		return "", "", fmt.Errorf("repository %q has no datastore name in its path", repo)
	}
	u.Path = ""
	return u.String(), store, nil
}

// loadCryptConfig reads a cryptoconf key file from disk and derives its
// Config. keyPassphrase is only consulted for a passphrase-wrapped
// (KdfPBKDF2) key file; it is ignored for the common KdfNone case.
func loadCryptConfig(path, keyPassphrase string) (*cryptoconf.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	primary, _, err := cryptoconf.LoadKeyFile(data, keyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("load key file: %w", err)
	}
	return cryptoconf.New(primary)
}

func tlsConfigFor(insecureSkipVerify bool) *tls.Config {
	if !insecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

func newBackupCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload an archive as a new snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repository")
			backupType, _ := cmd.Flags().GetString("type")
			backupID, _ := cmd.Flags().GetString("id")
			archive, _ := cmd.Flags().GetString("archive")
			source, _ := cmd.Flags().GetString("source")
			insecure, _ := cmd.Flags().GetBool("insecure-skip-verify")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runBackup(ctx, logger, repo, backupType, backupID, archive, source, insecure)
		},
	}
	cmd.Flags().String("type", string(datastore.BackupTypeHost), "backup type: vm, ct or host")
	cmd.Flags().String("id", "", "backup ID (e.g. hostname)")
	cmd.Flags().String("archive", "drive-root", "archive name within the snapshot")
	cmd.Flags().String("source", "", "file to split into content-defined chunks and upload as the archive")
	cmd.Flags().Bool("insecure-skip-verify", false, "skip TLS certificate verification")
	return cmd
}

func runBackup(ctx context.Context, logger *slog.Logger, repo, backupType, backupID, archive, source string, insecure bool) error {
	baseURL, storeName, err := parseRepository(repo)
	if err != nil {
		return err
	}
	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	chunks, err := chunker.Split(f, chunker.Options{})
	if err != nil {
		return fmt.Errorf("chunk source: %w", err)
	}

	client := wireclient.New(baseURL, tlsConfigFor(insecure))
	snapTime := time.Now().Unix()

	s, err := client.StartBackupSession(ctx, wireclient.StartBackupRequest{
		DataStore: storeName,
		Type:      backupType,
		ID:        backupID,
		Time:      snapTime,
	})
	if err != nil {
		return fmt.Errorf("start backup session: %w", err)
	}
	logger.Info("backup session opened", "session", s.ID(), "datastore", storeName, "id", backupID)

	if err := s.CreateDynamicIndex(ctx, archive); err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	h := sha256.New()
	for _, ch := range chunks {
		digest, err := s.UploadChunk(ctx, ch.Data)
		if err != nil {
			return fmt.Errorf("upload chunk: %w", err)
		}
		if err := s.DynamicAppend(ctx, archive, digest, ch.EndOffset); err != nil {
			return fmt.Errorf("append chunk: %w", err)
		}
		appendCsumRecord(h, ch.EndOffset, digest)
	}
	var clientCsum [32]byte
	copy(clientCsum[:], h.Sum(nil))

	csum, size, err := s.CloseIndex(ctx, archive, clientCsum)
	if err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	logger.Info("chunked source", "chunks", len(chunks), "bytes", size)

	m := manifest.New(backupType, backupID, time.Unix(snapTime, 0))
	m.AddFile(archive+".didx", size, csum)
	manifestBytes, err := manifest.Encode(m)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	if err := s.Finish(ctx, manifestBytes); err != nil {
		return fmt.Errorf("finish backup: %w", err)
	}

	logger.Info("backup complete", "bytes", size)
	return nil
}

func newRestoreCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Download an archive from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repository")
			backupType, _ := cmd.Flags().GetString("type")
			backupID, _ := cmd.Flags().GetString("id")
			archive, _ := cmd.Flags().GetString("archive")
			snapTime, _ := cmd.Flags().GetInt64("time")
			target, _ := cmd.Flags().GetString("target")
			insecure, _ := cmd.Flags().GetBool("insecure-skip-verify")
			keyFile, _ := cmd.Flags().GetString("keyfile")
			keyPassphrase, _ := cmd.Flags().GetString("key-passphrase")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runRestore(ctx, logger, repo, backupType, backupID, archive, snapTime, target, insecure, keyFile, keyPassphrase)
		},
	}
	cmd.Flags().String("type", string(datastore.BackupTypeHost), "backup type: vm, ct or host")
	cmd.Flags().String("id", "", "backup ID")
	cmd.Flags().String("archive", "drive-root", "archive name within the snapshot")
	cmd.Flags().Int64("time", 0, "snapshot unix time")
	cmd.Flags().String("target", "", "output file path")
	cmd.Flags().Bool("insecure-skip-verify", false, "skip TLS certificate verification")
	cmd.Flags().String("keyfile", "", "cryptoconf key file to decode an encrypted snapshot's chunks")
	cmd.Flags().String("key-passphrase", "", "passphrase unwrapping --keyfile, if it is passphrase-protected")
	return cmd
}

func runRestore(ctx context.Context, logger *slog.Logger, repo, backupType, backupID, archive string, snapTime int64, target string, insecure bool, keyFile, keyPassphrase string) error {
	baseURL, storeName, err := parseRepository(repo)
	if err != nil {
		return err
	}

	var crypt *cryptoconf.Config
	if keyFile != "" {
		crypt, err = loadCryptConfig(keyFile, keyPassphrase)
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
	}

	client := wireclient.New(baseURL, tlsConfigFor(insecure))
	rs, err := client.StartReaderSession(ctx, wireclient.StartReaderRequest{
		DataStore: storeName,
		Type:      backupType,
		ID:        backupID,
		Time:      snapTime,
	})
	if err != nil {
		return fmt.Errorf("start reader session: %w", err)
	}
	logger.Info("reader session opened", "session", rs.ID())

	idxData, err := rs.DownloadIndex(ctx, archive)
	if err != nil {
		return fmt.Errorf("download index: %w", err)
	}
	// The server authorizes download_chunk off the index's digest set
	// without gating on its keyed checksum, so a wrong --keyfile here must
	// not surface as a missing index: parse structurally only and let the
	// mismatch show up at the per-chunk blob.Decode below instead.
	idx, err := index.ReadDynamicIndexUnverified(bytes.NewReader(idxData))
	if err != nil {
		return fmt.Errorf("parse index: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	defer out.Close()

	for i := 0; i < idx.Count(); i++ {
		digest := idx.Digest(i)
		encoded, err := rs.DownloadChunk(ctx, digest)
		if err != nil {
			return fmt.Errorf("download chunk %x: %w", digest[:8], err)
		}
		plaintext, err := blob.Decode(encoded, blob.DecodeOptions{Crypt: crypt})
		if err != nil {
			return fmt.Errorf("decode chunk %x: %w", digest[:8], err)
		}
		if _, err := out.Write(plaintext); err != nil {
			return fmt.Errorf("write target: %w", err)
		}
	}

	logger.Info("restore complete", "chunks", idx.Count(), "target", target)
	return nil
}

func newListCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshot groups and snapshots in a local datastore",
		RunE: func(cmd *cobra.Command, args []string) error {
			storePath, _ := cmd.Flags().GetString("store")
			return runList(logger, storePath)
		},
	}
}

func runList(logger *slog.Logger, storePath string) error {
	ds, err := datastore.Open(datastore.Config{Name: filepath.Base(storePath), Path: storePath, Logger: logger})
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer func() { _ = ds.Close() }()

	groups, err := ds.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		snaps, err := ds.ListSnapshots(g)
		if err != nil {
			return fmt.Errorf("list snapshots for %s/%s: %w", g.Type, g.ID, err)
		}
		for _, snap := range snaps {
			fmt.Printf("%s/%s %s\n", g.Type, g.ID, snap.At.Format(time.RFC3339))
		}
	}
	return nil
}

func newGCCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run garbage collection on a local datastore",
		RunE: func(cmd *cobra.Command, args []string) error {
			storePath, _ := cmd.Flags().GetString("store")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return runGC(ctx, logger, storePath)
		},
	}
}

func runGC(ctx context.Context, logger *slog.Logger, storePath string) error {
	ds, err := datastore.Open(datastore.Config{Name: filepath.Base(storePath), Path: storePath, Logger: logger})
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer func() { _ = ds.Close() }()

	report, err := ds.RunGC(ctx)
	if err != nil {
		return fmt.Errorf("run gc: %w", err)
	}
	logger.Info("gc complete",
		"chunks_removed", report.ChunksRemoved,
		"bytes_before", report.BytesBefore,
		"bytes_after", report.BytesAfter,
		"duration", report.Duration)
	return nil
}

func newPruneCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old snapshots in every group of a local datastore using a keep-last policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			storePath, _ := cmd.Flags().GetString("store")
			keepLast, _ := cmd.Flags().GetInt("keep-last")
			return runPrune(logger, storePath, keepLast)
		},
	}
	cmd.Flags().Int("keep-last", 3, "number of most recent snapshots to keep per group")
	return cmd
}

func runPrune(logger *slog.Logger, storePath string, keepLast int) error {
	ds, err := datastore.Open(datastore.Config{Name: filepath.Base(storePath), Path: storePath, Logger: logger})
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer func() { _ = ds.Close() }()

	policy := datastore.KeepLastPolicy{N: keepLast}
	removed, err := ds.PruneAllGroups(policy, time.Now())
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	total := 0
	for _, ids := range removed {
		total += len(ids)
	}
	logger.Info("prune complete", "groups", len(removed), "removed_snapshots", total)
	return nil
}

// appendCsumRecord feeds one dynamic-index record into the running
// checksum hash, mirroring internal/index's unkeyed running checksum: the
// little-endian end offset followed by the digest, in append order.
func appendCsumRecord(h hash.Hash, endOffset uint64, digest [32]byte) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], endOffset)
	h.Write(buf[:])
	h.Write(digest[:])
}
