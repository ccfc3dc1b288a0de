package omero

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Paths on the OMERO.web server. The /api/v0 paths are the JSON API. Fileset
// files come from the webgateway app, the same routes the webclient uses for
// "Show file paths" and "Download original". Uploads go through the webclient
// file annotation form.
const (
	tokenPath         = "/api/v0/token/"
	serversPath       = "/api/v0/servers/"
	loginPath         = "/api/v0/login/"
	logoutPath        = "/webclient/logout/"
	savePath          = "/api/v0/m/save/"
	allImagesPath     = "/api/v0/m/images/"
	filePathsPath     = "/webgateway/original_file_paths/%d/"
	archivedFilesPath = "/webgateway/archived_files/download/%d/"
	annotateFilePath  = "/webclient/annotate_file/"
	linksPath         = "/webclient/api/links/"

	annotationFileField = "annotation_file"

	omeSchema = "http://www.openmicroscopy.org/Schemas/OME/2016-06#"
)

const (
	DefaultChunkSize = 2 * 1024 * 1024
	listPageSize     = 500
)

type ClientConfig struct {
	// WebURL is the base of the OMERO.web install, eg https://omero.example.org/
	WebURL   string
	Host     string
	Port     int
	Username string
	Password string

	// ChunkSize is the largest piece ReadChunks hands to its callback.
	// Defaults to DefaultChunkSize.
	ChunkSize int

	// Timeout applies to every request. Zero means no timeout, which is what you
	// want for multi-gigabyte slides.
	Timeout time.Duration
}

// Client implements Session against OMERO.web. It is safe for concurrent use once
// Connect has returned.
type Client struct {
	client    *resty.Client
	cfg       ClientConfig
	serverID  int
	connected bool
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	r := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.WebURL, "/")).
		SetHeader("Referer", cfg.WebURL).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}

	return &Client{client: r, cfg: cfg}
}

type dataResponse[T any] struct {
	Data T         `json:"data"`
	Meta *pageMeta `json:"meta,omitempty"`
}

type pageMeta struct {
	TotalCount int `json:"totalCount"`
	Offset     int `json:"offset"`
	Limit      int `json:"limit"`
}

type serverEntry struct {
	ID     int    `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Server string `json:"server"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	EventContext struct {
		UserName  string `json:"userName"`
		GroupName string `json:"groupName"`
	} `json:"eventContext"`
}

// Connect fetches a CSRF token, picks the server entry matching the configured
// host and port, and logs in. The session cookie is kept in the client's jar.
func (c *Client) Connect(ctx context.Context) error {
	var token dataResponse[string]
	resp, err := c.client.R().SetContext(ctx).SetResult(&token).Get(tokenPath)
	if err := checkResponse(resp, err); err != nil {
		return errors.Wrapf(err, "unable to get CSRF token from %s", c.cfg.WebURL)
	}
	c.client.SetHeader("X-CSRFToken", token.Data)

	serverID, err := c.findServerID(ctx)
	if err != nil {
		return err
	}

	var login loginResponse
	resp, err = c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"server":   strconv.Itoa(serverID),
			"username": c.cfg.Username,
			"password": c.cfg.Password,
		}).
		SetResult(&login).
		Post(loginPath)
	if err := checkResponse(resp, err); err != nil {
		return errors.Wrapf(err, "login as %s failed", c.cfg.Username)
	}

	if !login.Success {
		return errors.Wrapf(ErrOmeroAPI, "login as %s failed: %s", c.cfg.Username, login.Message)
	}

	c.serverID = serverID
	c.connected = true
	log.Debugf("Logged in to %s as %s (group %s)", c.cfg.Host, login.EventContext.UserName, login.EventContext.GroupName)

	return nil
}

func (c *Client) findServerID(ctx context.Context) (int, error) {
	var servers dataResponse[[]serverEntry]
	resp, err := c.client.R().SetContext(ctx).SetResult(&servers).Get(serversPath)
	if err := checkResponse(resp, err); err != nil {
		return 0, errors.Wrap(err, "unable to list servers")
	}

	for _, s := range servers.Data {
		if strings.EqualFold(s.Host, c.cfg.Host) && s.Port == c.cfg.Port {
			return s.ID, nil
		}
	}

	if len(servers.Data) == 1 && c.cfg.Host == "" {
		return servers.Data[0].ID, nil
	}

	return 0, errors.Wrapf(ErrNotFound, "no server entry for %s:%d on %s", c.cfg.Host, c.cfg.Port, c.cfg.WebURL)
}

func (c *Client) GetContainer(ctx context.Context, ref Ref) (*Entity, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	if ref.Kind != KindProject && ref.Kind != KindDataset {
		return nil, fmt.Errorf("GetContainer: %s is not a container", ref)
	}

	var result dataResponse[Entity]
	resp, err := c.client.R().SetContext(ctx).SetResult(&result).Get(containerPath(ref))
	if err := checkResponse(resp, err); err != nil {
		return nil, errors.Wrapf(err, "unable to load %s", ref)
	}

	result.Data.Kind = ref.Kind
	return &result.Data, nil
}

func (c *Client) ListEntities(ctx context.Context, container Ref) ([]Entity, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	var (
		listPath  string
		childKind Kind
	)

	switch container.Kind {
	case KindRoot:
		listPath, childKind = allImagesPath, KindImage
	case KindProject:
		listPath, childKind = containerPath(container)+"datasets/", KindDataset
	case KindDataset:
		listPath, childKind = containerPath(container)+"images/", KindImage
	default:
		return nil, fmt.Errorf("ListEntities: %s has no children", container)
	}

	var entities []Entity
	offset := 0
	for {
		var page dataResponse[[]Entity]
		resp, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"offset": strconv.Itoa(offset),
				"limit":  strconv.Itoa(listPageSize),
			}).
			SetResult(&page).
			Get(listPath)
		if err := checkResponse(resp, err); err != nil {
			return nil, errors.Wrapf(err, "unable to list children of %s", container)
		}

		for _, e := range page.Data {
			e.Kind = childKind
			entities = append(entities, e)
		}

		offset += len(page.Data)
		switch {
		case len(page.Data) < listPageSize:
			return entities, nil
		case page.Meta != nil && offset >= page.Meta.TotalCount:
			return entities, nil
		}
	}
}

type filePaths struct {
	Repo   []string `json:"repo"`
	Client []string `json:"client"`
}

// GetUnderlyingFiles lists the image's fileset from its repository paths and
// takes the size from a HEAD of the archived download. The web gateway serves a
// multi-file fileset only as a zip of all its files, so those are refused with
// ErrUnsupported.
func (c *Client) GetUnderlyingFiles(ctx context.Context, imageID int64) ([]OriginalFile, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	var paths filePaths
	resp, err := c.client.R().SetContext(ctx).SetResult(&paths).Get(fmt.Sprintf(filePathsPath, imageID))
	if err := checkResponse(resp, err); err != nil {
		return nil, errors.Wrapf(err, "unable to list fileset for Image:%d", imageID)
	}

	switch len(paths.Repo) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, errors.Wrapf(ErrUnsupported, "Image:%d has a fileset of %d files, which only downloads as a zip", imageID, len(paths.Repo))
	}

	resp, err = c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/octet-stream").
		Head(fmt.Sprintf(archivedFilesPath, imageID))
	if err := checkResponse(resp, err); err != nil {
		return nil, errors.Wrapf(err, "unable to get size of original file for Image:%d", imageID)
	}

	size := resp.RawResponse.ContentLength
	if size < 0 {
		return nil, errors.Wrapf(ErrOmeroAPI, "no Content-Length for original file of Image:%d", imageID)
	}

	return []OriginalFile{{
		ID:   imageID,
		Name: path.Base(paths.Repo[0]),
		Path: paths.Repo[0],
		Size: size,
	}}, nil
}

// ReadChunks streams the archived original of the image fileID in pieces of at
// most ChunkSize. A body shorter than its Content-Length is an error.
func (c *Client) ReadChunks(ctx context.Context, fileID int64, fn func(chunk []byte) error) error {
	if !c.connected {
		return ErrNotConnected
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/octet-stream").
		Get(fmt.Sprintf(archivedFilesPath, fileID))
	if err != nil {
		return errors.Wrapf(err, "download of original file for Image:%d failed", fileID)
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return errors.Wrapf(errorFromBody(resp.StatusCode(), body), "download of original file for Image:%d failed", fileID)
	}

	if strings.HasPrefix(resp.Header().Get("Content-Type"), "application/zip") {
		return errors.Wrapf(ErrUnsupported, "original files of Image:%d came back as a zip", fileID)
	}

	n, err := streamBody(body, make([]byte, c.cfg.ChunkSize), fn)
	if err != nil {
		return errors.Wrapf(err, "download of original file for Image:%d failed after %d bytes", fileID, n)
	}

	if expected := resp.RawResponse.ContentLength; expected >= 0 && n != expected {
		return errors.Wrapf(ErrOmeroAPI, "download of original file for Image:%d ended after %d of %d bytes", fileID, n, expected)
	}

	return nil
}

// streamBody hands the body to fn in pieces no larger than buf.
func streamBody(body io.Reader, buf []byte, fn func([]byte) error) (int64, error) {
	var total int64
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			total += int64(n)
			if ferr := fn(buf[:n]); ferr != nil {
				return total, ferr
			}
		}

		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			return total, nil
		case err != nil:
			return total, err
		}
	}
}

type annotateFileResponse struct {
	FileIDs []int64 `json:"fileIds"`
}

// CreateFile uploads r as a new file annotation through the webclient form. The
// multipart body is written through a pipe so the file is never held in memory.
// The annotation isn't linked to anything until LinkContainers is called.
func (c *Client) CreateFile(ctx context.Context, name string, size int64, r io.Reader) (int64, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}

	pr, pw := io.Pipe()
	defer pr.Close()

	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFilePart(mw, name, size, r))
	}()

	var result annotateFileResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", mw.FormDataContentType()).
		SetBody(pr).
		SetResult(&result).
		Post(annotateFilePath)
	if err := checkFormResponse(resp, err); err != nil {
		return 0, errors.Wrapf(err, "upload of %s failed", name)
	}

	if len(result.FileIDs) == 0 || result.FileIDs[0] == 0 {
		return 0, errors.Wrapf(ErrOmeroAPI, "upload of %s returned no file id", name)
	}

	return result.FileIDs[0], nil
}

func writeFilePart(mw *multipart.Writer, name string, size int64, r io.Reader) error {
	part, err := mw.CreateFormFile(annotationFileField, name)
	if err != nil {
		return err
	}

	n, err := io.Copy(part, r)
	if err != nil {
		return err
	}

	if n != size {
		return fmt.Errorf("%s: expected %d bytes, read %d", name, size, n)
	}

	return mw.Close()
}

func (c *Client) CreateContainer(ctx context.Context, kind Kind, name string) (int64, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}

	if kind != KindProject && kind != KindDataset {
		return 0, fmt.Errorf("CreateContainer: cannot create a %s", kind)
	}

	var result dataResponse[Entity]
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("server", strconv.Itoa(c.serverID)).
		SetBody(map[string]string{
			"@type": omeSchema + kind.Title(),
			"Name":  name,
		}).
		SetResult(&result).
		Post(savePath)
	if err := checkResponse(resp, err); err != nil {
		return 0, errors.Wrapf(err, "unable to create %s %q", kind.Title(), name)
	}

	if result.Data.ID == 0 {
		return 0, errors.Wrapf(ErrOmeroAPI, "create %s %q returned no id", kind.Title(), name)
	}

	return result.Data.ID, nil
}

// LinkContainers links child into parent, eg a Dataset into a Project or a
// FileAnnotation onto a Dataset.
func (c *Client) LinkContainers(ctx context.Context, parent, child Ref) error {
	if !c.connected {
		return ErrNotConnected
	}

	if child.Kind == KindFileAnnotation {
		return c.linkFileAnnotation(ctx, parent, child)
	}

	body := map[string]map[string]map[string][]int64{
		string(parent.Kind): {
			strconv.FormatInt(parent.ID, 10): {
				string(child.Kind): {child.ID},
			},
		},
	}

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	resp, err := c.client.R().SetContext(ctx).SetBody(body).SetResult(&result).Post(linksPath)
	if err := checkResponse(resp, err); err != nil {
		return errors.Wrapf(err, "unable to link %s into %s", child, parent)
	}

	if !result.Success {
		return errors.Wrapf(ErrOmeroAPI, "link %s into %s rejected: %s", child, parent, result.Message)
	}

	return nil
}

// linkFileAnnotation submits the annotation form again, naming the existing
// file and the object to attach it to.
func (c *Client) linkFileAnnotation(ctx context.Context, parent, child Ref) error {
	if parent.Kind != KindProject && parent.Kind != KindDataset && parent.Kind != KindImage {
		return fmt.Errorf("LinkContainers: cannot annotate %s", parent)
	}

	var result annotateFileResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"files":             strconv.FormatInt(child.ID, 10),
			string(parent.Kind): strconv.FormatInt(parent.ID, 10),
		}).
		SetResult(&result).
		Post(annotateFilePath)
	if err := checkFormResponse(resp, err); err != nil {
		return errors.Wrapf(err, "unable to link %s to %s", child, parent)
	}

	return nil
}

func (c *Client) Close(ctx context.Context) error {
	if !c.connected {
		return nil
	}

	c.connected = false
	resp, err := c.client.R().SetContext(ctx).Post(logoutPath)
	return checkResponse(resp, err)
}

func containerPath(ref Ref) string {
	return fmt.Sprintf("/api/v0/m/%ss/%d/", ref.Kind, ref.ID)
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return errors.Wrapf(urlErr.Err, "%s %s", urlErr.Op, urlErr.URL)
		}
		return err
	}

	if resp.IsError() {
		_, err := ToErrorFromResponse(resp)
		return err
	}

	return nil
}

// checkFormResponse is checkResponse for the annotation form, which answers a
// rejected submission with 200 and an HTML list of form errors.
func checkFormResponse(resp *resty.Response, err error) error {
	if err := checkResponse(resp, err); err != nil {
		return err
	}

	if !strings.Contains(resp.Header().Get("Content-Type"), "json") {
		return errors.Wrapf(ErrOmeroAPI, "form rejected: %s", strings.TrimSpace(string(resp.Body())))
	}

	return nil
}

func errorFromBody(status int, body io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(body, 64*1024))
	_, err := toErrorResponse(status, b)
	return err
}
