// Package archive reads and writes the session interchange format: a zip
// container holding a manifest plus the transcripts, config, audio tracks,
// and generated images of one session. Role strings and the manifest shape
// are a durable contract; changing them breaks old exports.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/voxstage/voxstage/pkg/store"
	"github.com/voxstage/voxstage/pkg/transcript"
)

const ManifestVersion = 1

// File roles in the manifest.
const (
	RoleMainTranscript  = "main_transcript"
	RoleFanTranscript   = "fan_transcript"
	RoleJudgeTranscript = "judge_transcript"
	RoleConfig          = "config"
	RolePodcastAudio    = "podcast_audio"
	RoleMicAudio        = "mic_audio"
	RoleImage           = "image"
)

// Fixed archive paths.
const (
	pathManifest        = "manifest.json"
	pathMainTranscript  = "main_transcript.json"
	pathFanTranscript   = "fan_chat.json"
	pathJudgeTranscript = "judge_chat.json"
	pathConfig          = "session_config.json"
	pathPodcastAudio    = "podcast_audio.wav"
	pathMicAudio        = "mic_input_audio.wav"
)

var ErrBadManifest = errors.New("archive: missing or malformed manifest")

// ManifestFile is one entry in the manifest's file list.
type ManifestFile struct {
	Role string `json:"role"`
	Path string `json:"path"`
}

// Manifest indexes the archive contents by role.
type Manifest struct {
	Version     int            `json:"version"`
	ProjectName string         `json:"projectName"`
	ExportedAt  time.Time      `json:"exportedAt"`
	Files       []ManifestFile `json:"files"`
}

// Export writes a session to w as a zip archive. Absent pieces (no audio,
// no images) are simply omitted from the manifest.
func Export(w io.Writer, sess *store.Session, projectName string) error {
	zw := zip.NewWriter(w)
	manifest := Manifest{
		Version:     ManifestVersion,
		ProjectName: projectName,
		ExportedAt:  sess.UpdatedAt,
	}
	if manifest.ExportedAt.IsZero() {
		manifest.ExportedAt = time.Now()
	}

	addJSON := func(role, path string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("archive: encode %s: %w", path, err)
		}
		return addFile(zw, &manifest, role, path, data)
	}

	if err := addJSON(RoleMainTranscript, pathMainTranscript, emptyAsList(sess.MainTranscript)); err != nil {
		return err
	}
	if err := addJSON(RoleFanTranscript, pathFanTranscript, emptyAsList(sess.FanTranscript)); err != nil {
		return err
	}
	if err := addJSON(RoleJudgeTranscript, pathJudgeTranscript, emptyAsList(sess.JudgeTranscript)); err != nil {
		return err
	}
	if len(sess.Config) > 0 {
		if err := addFile(zw, &manifest, RoleConfig, pathConfig, sess.Config); err != nil {
			return err
		}
	}
	if len(sess.PodcastAudio) > 0 {
		if err := addFile(zw, &manifest, RolePodcastAudio, pathPodcastAudio, sess.PodcastAudio); err != nil {
			return err
		}
	}
	if len(sess.MicAudio) > 0 {
		if err := addFile(zw, &manifest, RoleMicAudio, pathMicAudio, sess.MicAudio); err != nil {
			return err
		}
	}
	imageIndex := 0
	for _, item := range sess.Media {
		if item.Kind != "image" || len(item.Data) == 0 {
			continue
		}
		path := fmt.Sprintf("images/image_%d.png", imageIndex)
		imageIndex++
		if err := addFile(zw, &manifest, RoleImage, path, item.Data); err != nil {
			return err
		}
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode manifest: %w", err)
	}
	if err := writeEntry(zw, pathManifest, manifestData); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, manifest *Manifest, role, path string, data []byte) error {
	if err := writeEntry(zw, path, data); err != nil {
		return err
	}
	manifest.Files = append(manifest.Files, ManifestFile{Role: role, Path: path})
	return nil
}

func writeEntry(zw *zip.Writer, path string, data []byte) error {
	f, err := zw.Create(path)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	return nil
}

// emptyAsList keeps empty transcripts as [] rather than null in the export.
func emptyAsList(turns []transcript.Turn) []transcript.Turn {
	if turns == nil {
		return []transcript.Turn{}
	}
	return turns
}

// Import reads an exported archive back into a session. The session id and
// status are left unset; the caller decides how to persist the result.
func Import(data []byte) (*store.Session, *Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("archive: open: %w", err)
	}

	manifestData, err := readEntry(zr, pathManifest)
	if err != nil {
		return nil, nil, ErrBadManifest
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	if manifest.Version > ManifestVersion || len(manifest.Files) == 0 {
		return nil, nil, ErrBadManifest
	}

	sess := &store.Session{UpdatedAt: manifest.ExportedAt}
	imageIndex := 0
	for _, entry := range manifest.Files {
		content, err := readEntry(zr, entry.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: read %s: %w", entry.Path, err)
		}
		switch entry.Role {
		case RoleMainTranscript:
			if err := json.Unmarshal(content, &sess.MainTranscript); err != nil {
				return nil, nil, fmt.Errorf("archive: decode %s: %w", entry.Path, err)
			}
		case RoleFanTranscript:
			if err := json.Unmarshal(content, &sess.FanTranscript); err != nil {
				return nil, nil, fmt.Errorf("archive: decode %s: %w", entry.Path, err)
			}
		case RoleJudgeTranscript:
			if err := json.Unmarshal(content, &sess.JudgeTranscript); err != nil {
				return nil, nil, fmt.Errorf("archive: decode %s: %w", entry.Path, err)
			}
		case RoleConfig:
			sess.Config = json.RawMessage(content)
		case RolePodcastAudio:
			sess.PodcastAudio = content
		case RoleMicAudio:
			sess.MicAudio = content
		case RoleImage:
			sess.Media = append(sess.Media, store.MediaItem{
				ID:       fmt.Sprintf("imported-%d", imageIndex),
				Kind:     "image",
				MimeType: "image/png",
				Data:     content,
			})
			imageIndex++
		default:
			// Unknown roles from newer minor revisions are skipped.
		}
	}
	return sess, &manifest, nil
}

func readEntry(zr *zip.Reader, path string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != path {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("entry %s not found", path)
}
