package datanorm

import (
	"encoding/csv"
	"io"
	"strings"
)

// ParseCSV reads an RFC4180 CSV stream into the header row plus
// header-keyed row maps. The first record is the header. A UTF-8 BOM is
// stripped and invalid UTF-8 bytes are replaced rather than rejected.
// Short rows leave trailing columns empty; extra cells are dropped.
func ParseCSV(r io.Reader) ([]string, []map[string]string, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for i := range header {
		header[i] = strings.ToValidUTF8(header[i], "�")
	}

	var rows []map[string]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			v := ""
			if i < len(rec) {
				v = strings.ToValidUTF8(rec[i], "�")
			}
			row[h] = v
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// stripBOM removes a leading UTF-8 BOM if present.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return strings.NewReader(string(buf[:n]))
	}
	if buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), r)
}
