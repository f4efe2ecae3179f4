package summarize

// Fixed prompt templates, one per analysis kind. Each asks for STRICT JSON
// where the reply is machine-parsed; the markdown-only external description
// is the one free-text template.

const promptDescribeExternal = `Using public Windows driver development documentation, describe the kernel API named in the input.

Output MARKDOWN ONLY, structured as:
1. A top-level heading with the function name.
2. A "Definition" section holding the C prototype in a fenced c code block.
3. A "Description" section: one or two paragraphs covering purpose, key parameters, and typical usage in drivers.

Do not add any other commentary.`

const promptDescribeInternal = `Analyze the decompiled pseudocode of the internal function named in the input.

Return STRICT JSON ONLY:
{
  "markdown": "string — a markdown document with a top-level heading (the function name), a \"Definition\" section holding the most plausible C signature in a fenced c code block, and a \"Description\" section of one or two paragraphs summarizing the logic, key branches and side effects",
  "mem": true/false,
  "map": true/false
}

Constraints:
- Set "mem" to true only when the pseudocode performs a raw memory copy or move (memcpy, memmove, RtlCopyMemory, RtlMoveMemory, byte-copy loops).
- Set "map" to true only when the pseudocode maps memory between address spaces (MmMapIoSpace, MmMapLockedPages and relatives).
- Base both flags on the pseudocode alone; do not guess from the function name.`

const promptResolveDispatch = `The input holds a caller function's decompiled pseudocode containing a call to IoCreateDevice.

Find the assignment to DriverObject->MajorFunction[14] (the IRP_MJ_DEVICE_CONTROL slot) made before that call and identify the handler routine stored there.

Return STRICT JSON ONLY: {"address":"0x...","func_name":"string"}.
If no such assignment exists in the pseudocode, return {"address":"0x0","func_name":""}.`

const promptListSubfunctions = `The input holds a function's decompiled pseudocode.

List every routine it calls directly. For imported APIs use the import name and the IAT entry address; for routines inside the binary use the backend-assigned name and start address.

Return STRICT JSON ONLY:
{"callees":[{"name":"string","address":"0x..."}]}

Deduplicate by address and keep the order of first appearance in the pseudocode.`

const promptIoControlLocal = `The input holds a dispatch routine's decompiled pseudocode.

Identify the local variable holding the IOCTL code, i.e. the value read from the current IRP stack location's Parameters.DeviceIoControl.IoControlCode and switched on.

Return STRICT JSON ONLY: {"local":"string"} — the variable name, or "" when the routine has no such local.`

const promptDeepAnalysis = `You will receive the transcripts of an automated triage of one Windows driver, plus pseudocode excerpts whose parameters control memory operations.

Without further tool access, reason over the collected evidence and produce MARKDOWN ONLY with two sections:
## Summary — which dispatch handlers and subfunctions can read or write memory at addresses influenced by Irp->AssociatedIrp.SystemBuffer, Irp->UserBuffer or IOCTL-supplied values, with the supporting evidence.
## IoControlCode risks — per IOCTL branch, the potential risk scenario and what a human analyst should verify next.`
