package decompiler

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/shogo82148/androidbinary"
)

const manifestEntry = "AndroidManifest.xml"

// Manifest AndroidManifest.xml 中与壳检测相关的信息
type Manifest struct {
	Package     string
	Application string   // application android:name，全限定
	Components  []string // activity/service/receiver/provider 类名，全限定
}

// manifestComponent 清单中任意组件元素，只关心 android:name
type manifestComponent struct {
	Name androidbinary.String `xml:"http://schemas.android.com/apk/res/android name,attr"`
}

// manifestXML apk.Manifest 只声明了 activity，这里补全其余组件；activity-alias 不对应类，不收集
type manifestXML struct {
	Package androidbinary.String `xml:"package,attr"`
	App     struct {
		Name       androidbinary.String `xml:"http://schemas.android.com/apk/res/android name,attr"`
		Activities []manifestComponent  `xml:"activity"`
		Services   []manifestComponent  `xml:"service"`
		Receivers  []manifestComponent  `xml:"receiver"`
		Providers  []manifestComponent  `xml:"provider"`
	} `xml:"application"`
}

// ClassFiles 返回清单组件类，格式为 a/b/C.class
func (m *Manifest) ClassFiles() []string {
	if m == nil {
		return nil
	}
	files := make([]string, 0, len(m.Components))
	for _, c := range m.Components {
		files = append(files, ClassFile(c))
	}
	return files
}

// ReadManifest 解析 APK 内的二进制 AndroidManifest.xml
func ReadManifest(apkPath string) (*Manifest, error) {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open apk: %w", err)
	}
	defer zr.Close()

	var data []byte
	for _, f := range zr.File {
		if f.Name != manifestEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", manifestEntry, err)
		}
		data, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", manifestEntry, err)
		}
		break
	}
	if data == nil {
		return nil, fmt.Errorf("%s not found in apk", manifestEntry)
	}

	xmlFile, err := androidbinary.NewXMLFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestEntry, err)
	}
	var raw manifestXML
	if err := xmlFile.Decode(&raw, nil, nil); err != nil {
		return nil, fmt.Errorf("decode %s: %w", manifestEntry, err)
	}
	return raw.toManifest(), nil
}

func (raw *manifestXML) toManifest() *Manifest {
	m := &Manifest{Package: stringValue(raw.Package)}
	m.Application = qualify(m.Package, stringValue(raw.App.Name))

	groups := [][]manifestComponent{
		raw.App.Activities,
		raw.App.Services,
		raw.App.Receivers,
		raw.App.Providers,
	}
	seen := map[string]bool{}
	for _, group := range groups {
		for _, c := range group {
			name := qualify(m.Package, stringValue(c.Name))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			m.Components = append(m.Components, name)
		}
	}
	return m
}

// stringValue 类名不会是资源引用，没有资源表时直接取字面值
func stringValue(s androidbinary.String) string {
	v, err := s.String()
	if err != nil {
		return ""
	}
	return v
}

// qualify 展开 ".Main" / "Main" 这类相对类名
func qualify(pkg, name string) string {
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "."):
		return pkg + name
	case !strings.Contains(name, ".") && pkg != "":
		return pkg + "." + name
	default:
		return name
	}
}
