package omero

import (
	"fmt"
	"strings"
)

// Kind identifies the type of object an OMERO id refers to.
type Kind string

const (
	KindRoot           Kind = "root"
	KindProject        Kind = "project"
	KindDataset        Kind = "dataset"
	KindImage          Kind = "image"
	KindFileAnnotation Kind = "fileannotation"
)

func (k Kind) String() string {
	return string(k)
}

// Title returns the kind as OMERO spells it in messages and @type values,
// eg "Dataset".
func (k Kind) Title() string {
	switch k {
	case KindFileAnnotation:
		return "FileAnnotation"
	case "":
		return ""
	default:
		return strings.ToUpper(string(k[:1])) + string(k[1:])
	}
}

// Ref points at a single object on the server. The Root ref stands for
// everything the logged in user can see.
type Ref struct {
	Kind Kind
	ID   int64
}

var Root = Ref{Kind: KindRoot}

func ProjectRef(id int64) Ref { return Ref{Kind: KindProject, ID: id} }

func DatasetRef(id int64) Ref { return Ref{Kind: KindDataset, ID: id} }

func ImageRef(id int64) Ref { return Ref{Kind: KindImage, ID: id} }

// FileAnnotationRef points at an uploaded file. OMERO keeps the bytes in an
// OriginalFile wrapped by the annotation, and the annotation is what gets linked.
func FileAnnotationRef(id int64) Ref { return Ref{Kind: KindFileAnnotation, ID: id} }

func (r Ref) String() string {
	if r.Kind == KindRoot {
		return "root"
	}
	return fmt.Sprintf("%s:%d", r.Kind.Title(), r.ID)
}

// Entity is a named object hosted by the server: a project, a dataset or an image.
type Entity struct {
	ID   int64  `json:"@id"`
	Name string `json:"Name"`
	Kind Kind   `json:"-"`
}

func (e Entity) Ref() Ref {
	return Ref{Kind: e.Kind, ID: e.ID}
}

// OriginalFile is one of the files in an image's fileset, ie the bytes that were
// imported to create the image. ID is what ReadChunks takes. Client sets it to
// the id of the image the file was imported as, since OMERO.web serves fileset
// files per image.
type OriginalFile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}
