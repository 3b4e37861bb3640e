// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is a Google Cloud Storage-backed Store, grounded on
// connectors/gcs/connector.go's client setup and
// getObject/putObject/deleteObject shapes.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore constructs a GCS-backed Store writing under
// bucket/prefix, using application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifact: gcs store requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact: new gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *GCSStore) Put(ctx context.Context, key string, content []byte) (string, error) {
	objectKey := s.objectKey(key)
	writer := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("artifact: write gs://%s/%s: %w", s.bucket, objectKey, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("artifact: close gs://%s/%s: %w", s.bucket, objectKey, err)
	}
	return "gs://" + s.bucket + "/" + objectKey, nil
}

func (s *GCSStore) Get(ctx context.Context, path string) ([]byte, error) {
	bucket, key, err := parseGCSPath(path)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: get %s: %w", path, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *GCSStore) Delete(ctx context.Context, path string) error {
	bucket, key, err := parseGCSPath(path)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifact: delete %s: %w", path, err)
	}
	return nil
}

func parseGCSPath(path string) (bucket, key string, err error) {
	const prefix = "gs://"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("artifact: malformed gcs path %q", path)
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("artifact: malformed gcs path %q", path)
}
