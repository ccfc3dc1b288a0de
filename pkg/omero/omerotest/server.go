// Package omerotest provides a fake OMERO.web server speaking the subset of the
// JSON API, webgateway and webclient routes that omero.Client uses.
package omerotest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

const csrfToken = "test-csrf-token"

type entity struct {
	ID   int64  `json:"@id"`
	Name string `json:"Name"`
}

type file struct {
	path     string
	contents []byte
}

type Server struct {
	*httptest.Server

	Host     string
	Port     int
	Username string
	Password string

	mu              sync.Mutex
	projects        map[int64]entity
	datasets        map[int64]entity
	projectDatasets map[int64][]int64
	datasetImages   map[int64][]entity
	filesets        map[int64][]int64
	files           map[int64]*file
	annotations     map[int64]*file
	truncated       map[int64]int
	links           []string
	nextID          int64
	loggedIn        bool
}

func NewServer() *Server {
	s := &Server{
		Host:            "omero.test",
		Port:            4064,
		Username:        "user",
		Password:        "secret",
		projects:        make(map[int64]entity),
		datasets:        make(map[int64]entity),
		projectDatasets: make(map[int64][]int64),
		datasetImages:   make(map[int64][]entity),
		filesets:        make(map[int64][]int64),
		files:           make(map[int64]*file),
		annotations:     make(map[int64]*file),
		truncated:       make(map[int64]int),
		nextID:          5000,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/api/v0/token/", s.token)
	e.GET("/api/v0/servers/", s.servers)
	e.POST("/api/v0/login/", s.login)
	e.POST("/webclient/logout/", s.logout)

	e.GET("/api/v0/m/projects/:id/", s.getProject, s.requireLogin)
	e.GET("/api/v0/m/datasets/:id/", s.getDataset, s.requireLogin)
	e.GET("/api/v0/m/projects/:id/datasets/", s.listProjectDatasets, s.requireLogin)
	e.GET("/api/v0/m/datasets/:id/images/", s.listDatasetImages, s.requireLogin)
	e.GET("/api/v0/m/images/", s.listAllImages, s.requireLogin)
	e.GET("/webgateway/original_file_paths/:id/", s.originalFilePaths, s.requireLogin)
	e.Match([]string{http.MethodGet, http.MethodHead}, "/webgateway/archived_files/download/:id/", s.archivedFiles, s.requireLogin)
	e.POST("/api/v0/m/save/", s.save, s.requireLogin)
	e.POST("/webclient/api/links/", s.link, s.requireLogin)
	e.POST("/webclient/annotate_file/", s.annotateFile, s.requireLogin)

	s.Server = httptest.NewServer(e)
	return s
}

func (s *Server) AddProject(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id] = entity{ID: id, Name: name}
}

func (s *Server) AddDataset(projectID, id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[id] = entity{ID: id, Name: name}
	if projectID != 0 {
		s.projectDatasets[projectID] = append(s.projectDatasets[projectID], id)
	}
}

// AddImage adds an image to a dataset. Each entry in files maps a file name to
// its contents and becomes one file of the image's fileset, stored under a
// managed repository path.
func (s *Server) AddImage(datasetID, id int64, name string, files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.datasetImages[datasetID] = append(s.datasetImages[datasetID], entity{ID: id, Name: name})

	fnames := make([]string, 0, len(files))
	for fname := range files {
		fnames = append(fnames, fname)
	}
	sort.Strings(fnames)

	for _, fname := range fnames {
		s.nextID++
		s.files[s.nextID] = &file{
			path:     fmt.Sprintf("user_2/2024-05/01/10-00-00.000/%s", fname),
			contents: files[fname],
		}
		s.filesets[id] = append(s.filesets[id], s.nextID)
	}
}

// AnnotationContents returns the bytes uploaded for a file annotation.
func (s *Server) AnnotationContents(id int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.annotations[id]
	if !ok {
		return nil, false
	}
	return f.contents, true
}

// TruncateDownload makes the archived download of an image stop after n bytes
// while still declaring the full Content-Length.
func (s *Server) TruncateDownload(imageID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated[imageID] = n
}

// Links returns every link made as "parentKind:parentID/childKind:childID".
func (s *Server) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.links...)
}

func (s *Server) requireLogin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		loggedIn := s.loggedIn
		s.mu.Unlock()

		if !loggedIn {
			return c.JSON(http.StatusForbidden, map[string]string{"message": "Not logged in"})
		}

		if c.Request().Method == http.MethodPost && c.Request().Header.Get("X-CSRFToken") != csrfToken {
			return c.JSON(http.StatusForbidden, map[string]string{"message": "CSRF token missing or incorrect."})
		}

		return next(c)
	}
}

func (s *Server) token(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"data": csrfToken})
}

func (s *Server) servers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": []map[string]interface{}{
			{"id": 1, "host": s.Host, "port": s.Port, "server": "omero"},
		},
	})
}

func (s *Server) login(c echo.Context) error {
	if c.Request().Header.Get("X-CSRFToken") != csrfToken {
		return c.JSON(http.StatusForbidden, map[string]string{"message": "CSRF token missing or incorrect."})
	}

	if c.FormValue("server") != "1" || c.FormValue("username") != s.Username || c.FormValue("password") != s.Password {
		return c.JSON(http.StatusForbidden, map[string]interface{}{
			"success": false,
			"message": "Connection not available, please check your user name and password.",
		})
	}

	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":      true,
		"eventContext": map[string]string{"userName": s.Username, "groupName": "histology"},
	})
}

func (s *Server) logout(c echo.Context) error {
	s.mu.Lock()
	s.loggedIn = false
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) getProject(c echo.Context) error {
	return s.getContainer(c, s.projects, "Project")
}

func (s *Server) getDataset(c echo.Context) error {
	return s.getContainer(c, s.datasets, "Dataset")
}

func (s *Server) getContainer(c echo.Context, from map[int64]entity, kind string) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := from[id]
	s.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": fmt.Sprintf("%s %d not found", kind, id)})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"data": e})
}

func (s *Server) listProjectDatasets(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var datasets []entity
	for _, dsID := range s.projectDatasets[id] {
		datasets = append(datasets, s.datasets[dsID])
	}
	s.mu.Unlock()

	return page(c, datasets)
}

func (s *Server) listDatasetImages(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	images := append([]entity(nil), s.datasetImages[id]...)
	s.mu.Unlock()

	return page(c, images)
}

func (s *Server) listAllImages(c echo.Context) error {
	s.mu.Lock()
	var images []entity
	for _, dsImages := range s.datasetImages {
		images = append(images, dsImages...)
	}
	s.mu.Unlock()

	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })

	return page(c, images)
}

func page(c echo.Context, entities []entity) error {
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = 200
	}

	total := len(entities)
	if offset > total {
		offset = total
	}

	end := offset + limit
	if end > total {
		end = total
	}

	data := entities[offset:end]
	if data == nil {
		data = []entity{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": data,
		"meta": map[string]int{"totalCount": total, "offset": offset, "limit": limit},
	})
}

func (s *Server) originalFilePaths(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	paths := []string{}
	for _, fid := range s.filesets[id] {
		paths = append(paths, s.files[fid].path)
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string][]string{"repo": paths, "client": paths})
}

// archivedFiles sends a single file fileset as the file itself and anything
// larger as a zip, the way the webgateway does.
func (s *Server) archivedFiles(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var files []*file
	for _, fid := range s.filesets[id] {
		files = append(files, s.files[fid])
	}
	truncateAt, truncate := s.truncated[id]
	s.mu.Unlock()

	var (
		contents    []byte
		contentType = echo.MIMEOctetStream
		fname       string
	)

	switch len(files) {
	case 0:
		return c.JSON(http.StatusNotFound, map[string]string{"message": fmt.Sprintf("No files found for Image %d", id)})
	case 1:
		contents, fname = files[0].contents, path.Base(files[0].path)
	default:
		if contents, err = zipFiles(files); err != nil {
			return err
		}
		contentType, fname = "application/zip", fmt.Sprintf("image%d.zip", id)
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, contentType)
	h.Set(echo.HeaderContentDisposition, "attachment; filename="+fname)
	h.Set(echo.HeaderContentLength, strconv.Itoa(len(contents)))

	if c.Request().Method == http.MethodHead {
		c.Response().WriteHeader(http.StatusOK)
		return nil
	}

	if truncate && truncateAt < len(contents) {
		contents = contents[:truncateAt]
	}

	c.Response().WriteHeader(http.StatusOK)
	_, err = c.Response().Write(contents)
	return err
}

func zipFiles(files []*file) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(path.Base(f.path))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.contents); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// annotateFile handles the webclient file annotation form: an uploaded
// annotation_file becomes a new annotation, and ids in files are linked to the
// project, dataset or image named in the form. Invalid submissions get 200 and
// an HTML error list.
func (s *Server) annotateFile(c echo.Context) error {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
		}
	} else if err := req.ParseForm(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []int64

	if req.MultipartForm != nil {
		for _, fh := range req.MultipartForm.File["annotation_file"] {
			contents, err := readUpload(fh.Open)
			if err != nil {
				return err
			}

			s.nextID++
			s.annotations[s.nextID] = &file{path: fh.Filename, contents: contents}
			added = append(added, s.nextID)
		}
	}

	for _, raw := range req.Form["files"] {
		annID, err := strconv.ParseInt(raw, 10, 64)
		if _, ok := s.annotations[annID]; err != nil || !ok {
			return c.HTML(http.StatusOK, fmt.Sprintf(`<ul class="errorlist"><li>files<ul class="errorlist"><li>Select a valid choice. %s is not one of the available choices.</li></ul></li></ul>`, raw))
		}

		for _, kind := range []string{"project", "dataset", "image"} {
			if parent := req.Form.Get(kind); parent != "" {
				s.links = append(s.links, fmt.Sprintf("%s:%s/fileannotation:%d", kind, parent, annID))
			}
		}
		added = append(added, annID)
	}

	if len(added) == 0 {
		return c.HTML(http.StatusOK, `<div class="error">File annotation failed</div>`)
	}

	return c.JSON(http.StatusOK, map[string][]int64{"fileIds": added})
}

func readUpload(open func() (multipart.File, error)) ([]byte, error) {
	f, err := open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) save(c echo.Context) error {
	var req struct {
		Type string `json:"@type"`
		Name string `json:"Name"`
	}

	if err := c.Bind(&req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e := entity{ID: s.nextID, Name: req.Name}
	switch {
	case strings.HasSuffix(req.Type, "#Project"):
		s.projects[e.ID] = e
	case strings.HasSuffix(req.Type, "#Dataset"):
		s.datasets[e.ID] = e
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "unsupported @type " + req.Type})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{"data": e})
}

func (s *Server) link(c echo.Context) error {
	var req map[string]map[string]map[string][]int64
	if err := c.Bind(&req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for parentKind, parents := range req {
		for parentID, children := range parents {
			pid, err := strconv.ParseInt(parentID, 10, 64)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"message": "bad parent id " + parentID})
			}

			for childKind, ids := range children {
				for _, id := range ids {
					if parentKind == "project" && childKind == "dataset" {
						s.projectDatasets[pid] = append(s.projectDatasets[pid], id)
					}
					s.links = append(s.links, fmt.Sprintf("%s:%d/%s:%d", parentKind, pid, childKind, id))
				}
			}
		}
	}

	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "bad id")
	}
	return id, nil
}
