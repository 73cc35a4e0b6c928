package mesh

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// WriteGLB encodes m as a binary glTF document with positions, normals and indices
func WriteGLB(w io.Writer, m *Mesh) error {
	doc, err := buildDocument(m, nil, nil)
	if err != nil {
		return err
	}
	return encodeBinary(w, doc)
}

// WriteTexturedGLB encodes tm as a binary glTF document with an embedded PNG base colour texture
func WriteTexturedGLB(w io.Writer, tm *TexturedMesh) error {
	if tm == nil || tm.Mesh == nil {
		return fmt.Errorf("textured mesh is empty")
	}
	if len(tm.UVs) != len(tm.Mesh.Vertices) {
		return fmt.Errorf("texture coordinates (%d) do not match vertices (%d)", len(tm.UVs), len(tm.Mesh.Vertices))
	}
	doc, err := buildDocument(tm.Mesh, tm.UVs, tm)
	if err != nil {
		return err
	}
	return encodeBinary(w, doc)
}

// SaveGLB writes m to path
func SaveGLB(path string, m *Mesh) error {
	return saveFile(path, func(w io.Writer) error { return WriteGLB(w, m) })
}

// SaveTexturedGLB writes tm to path
func SaveTexturedGLB(path string, tm *TexturedMesh) error {
	return saveFile(path, func(w io.Writer) error { return WriteTexturedGLB(w, tm) })
}

func saveFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeBinary(w io.Writer, doc *gltf.Document) error {
	enc := gltf.NewEncoder(w)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode glb: %w", err)
	}
	return nil
}

func buildDocument(m *Mesh, uvs [][2]float32, textured *TexturedMesh) (*gltf.Document, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.IsEmpty() {
		return nil, fmt.Errorf("cannot export a mesh without triangles")
	}

	doc := gltf.NewDocument()
	indices := make([]uint32, 0, len(m.Triangles)*3)
	for _, t := range m.Triangles {
		indices = append(indices, t[0], t[1], t[2])
	}

	attributes := map[string]int{
		gltf.POSITION: modeler.WritePosition(doc, m.Vertices),
		gltf.NORMAL:   modeler.WriteNormal(doc, m.VertexNormals()),
	}
	if uvs != nil {
		attributes[gltf.TEXCOORD_0] = modeler.WriteTextureCoord(doc, uvs)
	}

	prim := &gltf.Primitive{
		Attributes: attributes,
		Indices:    gltf.Index(modeler.WriteIndices(doc, indices)),
	}

	if textured != nil && textured.Texture != nil {
		var png bytes.Buffer
		if err := imaging.Encode(&png, textured.Texture, imaging.PNG); err != nil {
			return nil, fmt.Errorf("failed to encode texture: %w", err)
		}
		imageIdx, err := modeler.WriteImage(doc, "texture", "image/png", &png)
		if err != nil {
			return nil, fmt.Errorf("failed to embed texture: %w", err)
		}
		doc.Textures = append(doc.Textures, &gltf.Texture{Source: gltf.Index(imageIdx)})
		metallic, roughness := 0.0, 1.0
		doc.Materials = append(doc.Materials, &gltf.Material{
			Name:        "painted",
			DoubleSided: true,
			PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
				BaseColorTexture: &gltf.TextureInfo{Index: len(doc.Textures) - 1},
				MetallicFactor:   &metallic,
				RoughnessFactor:  &roughness,
			},
		})
		prim.Material = gltf.Index(len(doc.Materials) - 1)
	}

	doc.Meshes = append(doc.Meshes, &gltf.Mesh{Name: "mesh", Primitives: []*gltf.Primitive{prim}})
	doc.Nodes = append(doc.Nodes, &gltf.Node{Name: "mesh", Mesh: gltf.Index(len(doc.Meshes) - 1)})
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, len(doc.Nodes)-1)
	return doc, nil
}

// ReadGLB decodes the triangle geometry of a glTF document. All triangle
// primitives of all meshes are concatenated; node transforms are ignored.
func ReadGLB(r io.Reader) (*Mesh, error) {
	tm, err := ReadTexturedGLB(r)
	if err != nil {
		return nil, err
	}
	return tm.Mesh, nil
}

// ReadTexturedGLB decodes geometry, TEXCOORD_0 and the first base colour texture.
// UVs is nil unless every primitive carries texture coordinates.
func ReadTexturedGLB(r io.Reader) (*TexturedMesh, error) {
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(r).Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode glb: %w", err)
	}

	out := &TexturedMesh{Mesh: &Mesh{}}
	allUVs := true
	for _, gm := range doc.Meshes {
		for _, prim := range gm.Primitives {
			if prim.Mode != gltf.PrimitiveTriangles {
				continue
			}
			posIdx, ok := prim.Attributes[gltf.POSITION]
			if !ok {
				continue
			}
			positions, err := modeler.ReadPosition(doc, doc.Accessors[posIdx], nil)
			if err != nil {
				return nil, fmt.Errorf("failed to read positions: %w", err)
			}

			var indices []uint32
			if prim.Indices != nil {
				indices, err = modeler.ReadIndices(doc, doc.Accessors[*prim.Indices], nil)
				if err != nil {
					return nil, fmt.Errorf("failed to read indices: %w", err)
				}
			} else {
				indices = make([]uint32, len(positions))
				for i := range indices {
					indices[i] = uint32(i)
				}
			}
			if len(indices)%3 != 0 {
				return nil, &StructuralError{Reason: "index count is not a multiple of 3", Index: -1}
			}

			if uvIdx, ok := prim.Attributes[gltf.TEXCOORD_0]; ok && allUVs {
				uvs, err := modeler.ReadTextureCoord(doc, doc.Accessors[uvIdx], nil)
				if err != nil {
					return nil, fmt.Errorf("failed to read texture coordinates: %w", err)
				}
				out.UVs = append(out.UVs, uvs...)
			} else {
				allUVs = false
				out.UVs = nil
			}

			offset := uint32(len(out.Mesh.Vertices))
			out.Mesh.Vertices = append(out.Mesh.Vertices, positions...)
			for i := 0; i < len(indices); i += 3 {
				out.Mesh.Triangles = append(out.Mesh.Triangles, [3]uint32{
					indices[i] + offset, indices[i+1] + offset, indices[i+2] + offset,
				})
			}

			if out.Texture == nil && prim.Material != nil {
				tex, err := readBaseColorTexture(doc, *prim.Material)
				if err != nil {
					return nil, err
				}
				out.Texture = tex
			}
		}
	}

	if err := out.Mesh.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func readBaseColorTexture(doc *gltf.Document, materialIdx int) (image.Image, error) {
	if materialIdx < 0 || materialIdx >= len(doc.Materials) {
		return nil, nil
	}
	pbr := doc.Materials[materialIdx].PBRMetallicRoughness
	if pbr == nil || pbr.BaseColorTexture == nil || pbr.BaseColorTexture.Index >= len(doc.Textures) {
		return nil, nil
	}
	tex := doc.Textures[pbr.BaseColorTexture.Index]
	if tex.Source == nil || *tex.Source >= len(doc.Images) {
		return nil, nil
	}
	gi := doc.Images[*tex.Source]
	if gi.BufferView == nil {
		return nil, nil
	}

	bv := doc.BufferViews[*gi.BufferView]
	buf := doc.Buffers[bv.Buffer]
	end := bv.ByteOffset + bv.ByteLength
	if end > len(buf.Data) {
		return nil, fmt.Errorf("texture buffer view exceeds buffer")
	}
	decoded, err := imaging.Decode(bytes.NewReader(buf.Data[bv.ByteOffset:end]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode texture: %w", err)
	}
	return decoded, nil
}
