package vault

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/warpdl/ipavault/pkg/logger"
	"howett.net/plist"
)

// injectTarget is one file to be appended into the archive: an
// archive-relative path plus the raw bytes to write there.
type injectTarget struct {
	archivePath string
	data        []byte
}

// Inject opens archivePath read-only to discover its bundle layout and
// embedded descriptors, decides where each signature blob and the
// transcoded metadata document belong, stages them under a fresh temp
// directory, and shells out to an external archive tool to append them
// without rebuilding the archive (§4.4, §9 design note).
func Inject(archivePath string, sinfs []Sinf, iTunesMetadataB64 string, l logger.Logger) error {
	if l == nil {
		l = logger.NewStandardLogger(stdlog.Default())
	}
	bundle, manifest, info, err := discoverLayout(archivePath)
	if err != nil {
		return err
	}

	var targets []injectTarget

	if manifest != nil {
		if paths, ok := stringArray(manifest["SinfPaths"]); ok && len(paths) > 0 {
			n := len(paths)
			if len(sinfs) < n {
				n = len(sinfs)
			}
			for i := 0; i < n; i++ {
				data, derr := base64.StdEncoding.DecodeString(sinfs[i].Data)
				if derr != nil {
					return fmt.Errorf("sinf %d: %w", i, derr)
				}
				targets = append(targets, injectTarget{
					archivePath: fmt.Sprintf("Payload/%s.app/%s", bundle, paths[i]),
					data:        data,
				})
			}
		}
	}
	if len(targets) == 0 && info != nil {
		exe, ok := stringValue(info["CFBundleExecutable"])
		if ok && exe != "" && len(sinfs) > 0 {
			data, derr := base64.StdEncoding.DecodeString(sinfs[0].Data)
			if derr != nil {
				return fmt.Errorf("sinf 0: %w", derr)
			}
			targets = append(targets, injectTarget{
				archivePath: fmt.Sprintf("Payload/%s.app/SC_Info/%s.sinf", bundle, exe),
				data:        data,
			})
		}
	}
	if len(targets) == 0 {
		return ErrManifestAndInfoMissing
	}

	if iTunesMetadataB64 != "" {
		target, err := transcodeMetadata(iTunesMetadataB64)
		if err != nil {
			return err
		}
		targets = append(targets, *target)
	}

	return appendToArchive(archivePath, targets, l)
}

// discoverLayout locates the primary bundle (the first entry whose path
// contains ".app/Info.plist" and is not a companion-watch bundle), then
// caches and parses its Manifest.plist and Info.plist if present.
func discoverLayout(archivePath string) (bundle string, manifest, info map[string]interface{}, err error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", nil, nil, err
	}
	defer r.Close()

	var infoPath string
	for _, f := range r.File {
		if !strings.Contains(f.Name, ".app/Info.plist") {
			continue
		}
		if strings.Contains(f.Name, "/Watch/") {
			continue
		}
		idx := strings.Index(f.Name, ".app/Info.plist")
		appPath := f.Name[:idx]
		bundle = filepath.Base(appPath)
		infoPath = f.Name
		break
	}
	if bundle == "" {
		return "", nil, nil, ErrManifestAndInfoMissing
	}

	manifestPath := fmt.Sprintf("Payload/%s.app/SC_Info/Manifest.plist", bundle)
	for _, f := range r.File {
		if f.Name == manifestPath {
			if b, rerr := readZipFile(f); rerr == nil {
				manifest, _ = parsePlist(b)
			}
			break
		}
	}
	for _, f := range r.File {
		if f.Name == infoPath {
			if b, rerr := readZipFile(f); rerr == nil {
				info, _ = parsePlist(b)
			}
			break
		}
	}
	return bundle, manifest, info, nil
}

// readZipFile reads a single archive entry fully into memory, capped at
// 64MiB; a plist describing a bundle is never legitimately large.
func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, 64*MB))
}

// parsePlist decodes a property list, binary or XML. howett.net/plist's
// decoder autodetects the encoding from a magic header or leading
// "<?xml"/"<plist" text, which is exactly the binary-first-then-XML
// priority order §4.4 specifies; a null or unparseable result is treated
// as missing rather than an error.
func parsePlist(data []byte) (map[string]interface{}, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var v interface{}
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func stringArray(v interface{}) ([]string, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func stringValue(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// transcodeMetadata base64-decodes the supplied iTunesMetadata, parses it
// as an XML property list, and re-serializes it as canonical binary
// property list (§4.4, §9: "Implementations must emit canonical binary
// property list, not re-encoded XML"). If parsing fails the raw decoded
// bytes are written unchanged.
func transcodeMetadata(b64 string) (*injectTarget, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("iTunesMetadata: %w", err)
	}
	var v interface{}
	if _, derr := plist.Unmarshal(raw, &v); derr == nil {
		bin, merr := plist.Marshal(v, plist.BinaryFormat)
		if merr == nil {
			return &injectTarget{archivePath: "iTunesMetadata.plist", data: bin}, nil
		}
	}
	return &injectTarget{archivePath: "iTunesMetadata.plist", data: raw}, nil
}

// appendToArchive stages every target under a fresh temp directory
// mirroring its archive path, verifies each staged path resolves
// strictly beneath the staging root (guarding against adversarial
// SinfPaths containing ".."), then invokes the external zip tool to add
// them into the existing archive uncompressed, with the "--" sentinel
// preventing any archive path from being interpreted as a flag.
func appendToArchive(archivePath string, targets []injectTarget, l logger.Logger) error {
	stageDir, err := os.MkdirTemp("", "ipavault-inject-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stageDir)

	absStageDir, err := filepath.Abs(stageDir)
	if err != nil {
		return err
	}

	relPaths := make([]string, 0, len(targets))
	for _, t := range targets {
		full := filepath.Join(absStageDir, t.archivePath)
		absFull, err := filepath.Abs(full)
		if err != nil {
			return err
		}
		if absFull != absStageDir && !strings.HasPrefix(absFull, absStageDir+string(filepath.Separator)) {
			return fmt.Errorf("%w: archive path %q escapes staging root", ErrInvalidPath, t.archivePath)
		}
		if err := os.MkdirAll(filepath.Dir(absFull), DefaultDirMode); err != nil {
			return err
		}
		if err := os.WriteFile(absFull, t.data, DefaultFileMode); err != nil {
			return err
		}
		relPaths = append(relPaths, t.archivePath)
	}

	absArchivePath, err := filepath.Abs(archivePath)
	if err != nil {
		return err
	}

	args := append([]string{"-0", absArchivePath, "--"}, relPaths...)
	cmd := exec.Command("zip", args...)
	cmd.Dir = absStageDir
	var out boundedBuffer
	out.limit = 1 * MB
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		l.Error("vault: zip append failed: %v: %s", err, out.String())
		return fmt.Errorf("archive update failed: %w", err)
	}
	return nil
}

// boundedBuffer caps how much of the external tool's output is retained
// for diagnostics (§6: "stdout buffer 1 MiB").
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len()) < b.limit {
		remaining := b.limit - int64(b.buf.Len())
		if int64(len(p)) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }
