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
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobStore is an Azure Blob Storage-backed Store, grounded on
// connectors/azureblob/connector.go's client setup (connection-string
// auth) and getBlob/uploadBlob/deleteBlob shapes.
type AzureBlobStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBlobStore constructs an Azure Blob-backed Store writing
// under container/prefix, authenticating via connectionString.
func NewAzureBlobStore(connectionString, container, prefix string) (*AzureBlobStore, error) {
	if container == "" {
		return nil, fmt.Errorf("artifact: azureblob store requires a container")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact: new azure blob client: %w", err)
	}
	return &AzureBlobStore{client: client, container: container, prefix: prefix}, nil
}

func (s *AzureBlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *AzureBlobStore) Put(ctx context.Context, key string, content []byte) (string, error) {
	blobName := s.objectKey(key)
	_, err := s.client.UploadBuffer(ctx, s.container, blobName, content, nil)
	if err != nil {
		return "", fmt.Errorf("artifact: upload azure://%s/%s: %w", s.container, blobName, err)
	}
	return "azure://" + s.container + "/" + blobName, nil
}

func (s *AzureBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	container, blobName, err := parseAzurePath(path)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *AzureBlobStore) Delete(ctx context.Context, path string) error {
	container, blobName, err := parseAzurePath(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, container, blobName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("artifact: delete %s: %w", path, err)
	}
	return nil
}

func parseAzurePath(path string) (container, blobName string, err error) {
	const prefix = "azure://"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("artifact: malformed azure path %q", path)
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("artifact: malformed azure path %q", path)
}
