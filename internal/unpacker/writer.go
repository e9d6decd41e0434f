package unpacker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/neutralizer"
)

const unknownClassFile = "UnknownClass.java"

var (
	packageBlock = regexp.MustCompile(`(?m)^[ \t]*(?://[ \t]*)?package[ \t]+([\w.]+)[ \t]*;[^\n]*`)
	typeDecl     = regexp.MustCompile(`(?m)^[ \t]*(?:(?:public|protected|private|abstract|final|static|strictfp)\s+)*(?:class|interface|enum)\s+([A-Za-z_$][\w$]*)`)
)

// vscodeSettings .vscode/settings.json 的内容
type vscodeSettings struct {
	SourcePaths         []string `json:"java.project.sourcePaths"`
	OutputPath          string   `json:"java.project.outputPath"`
	ReferencedLibraries []string `json:"java.project.referencedLibraries"`
}

// sourceFile 按 package 块切分出的一个源文件
type sourceFile struct {
	Package string
	Name    string
	Code    string
}

// splitFiles 按 package 声明切分缓冲区，每块恢复为有效的 package 声明
func splitFiles(code, fallbackPkg string) []sourceFile {
	locs := packageBlock.FindAllStringSubmatchIndex(code, -1)
	if len(locs) == 0 {
		return []sourceFile{{Package: fallbackPkg, Name: fileName(code), Code: code}}
	}

	files := make([]sourceFile, 0, len(locs))
	for i, loc := range locs {
		end := len(code)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pkg := code[loc[2]:loc[3]]
		block := "package " + pkg + ";" + code[loc[1]:end]
		if i == 0 && loc[0] > 0 {
			block = code[:loc[0]] + block
		}
		files = append(files, sourceFile{Package: pkg, Name: fileName(block), Code: block})
	}
	return files
}

// fileName 取块中第一个非替身类型的名字
func fileName(block string) string {
	for _, m := range typeDecl.FindAllStringSubmatch(block, -1) {
		if !neutralizer.IsStubClass(m[1]) {
			return m[1] + ".java"
		}
	}
	return unknownClassFile
}

// writeProject 写出 src/<包路径>/<类名>.java 与 .vscode/settings.json，返回写入的文件
func writeProject(baseDir, code, fallbackPkg string, logger *logrus.Logger) ([]string, error) {
	srcDir := filepath.Join(baseDir, SourceDir)
	if err := os.RemoveAll(srcDir); err != nil {
		return nil, fmt.Errorf("failed to clean source dir: %w", err)
	}

	var written []string
	used := make(map[string]int)
	for _, f := range splitFiles(code, fallbackPkg) {
		dir := filepath.Join(srcDir, filepath.FromSlash(strings.ReplaceAll(f.Package, ".", "/")))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return written, fmt.Errorf("failed to create package dir: %w", err)
		}

		path := filepath.Join(dir, f.Name)
		if n := used[path]; n > 0 {
			path = filepath.Join(dir, fmt.Sprintf("%s_%d.java", strings.TrimSuffix(f.Name, ".java"), n+1))
		}
		used[filepath.Join(dir, f.Name)]++

		if err := os.WriteFile(path, []byte(f.Code), 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
		written = append(written, path)
		logger.WithField("path", path).Info("Generated source file")
	}

	settings, err := writeSettings(baseDir)
	if err != nil {
		return written, err
	}
	return append(written, settings), nil
}

func writeSettings(baseDir string) (string, error) {
	dir := filepath.Join(baseDir, ".vscode")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .vscode dir: %w", err)
	}

	data, err := json.MarshalIndent(vscodeSettings{
		SourcePaths:         []string{SourceDir},
		OutputPath:          OutputDir,
		ReferencedLibraries: []string{"lib/**/*.jar"},
	}, "", "    ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write settings.json: %w", err)
	}
	return path, nil
}
