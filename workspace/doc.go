// Package workspace manages per-request scratch directories.
//
// Every execution request gets exactly one workspace, a uniquely named
// directory under the scratch root holding the generated source file (src/)
// and the image build inputs (context/). The workspace is destroyed when the
// request completes, whatever the outcome; Destroy only logs failures.
//
// Usage:
//
//	ws, err := manager.Create()
//	if err != nil {
//	    return err
//	}
//	defer manager.Destroy(ws)
//	err = ws.WriteSource("Solution.py", []byte(code))
package workspace
